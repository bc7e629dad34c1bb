package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/haatos/pushdeploy/internal"
	"github.com/haatos/pushdeploy/internal/store"
)

var statusTransitions = map[store.RunStatus][]store.RunStatus{
	store.StatusPending: {
		store.StatusRunningGit,
		store.StatusFailedGit,
		store.StatusUnknown,
	},
	store.StatusRunningGit: {
		store.StatusRunningBuild,
		store.StatusFailedGit,
		store.StatusUnknown,
	},
	store.StatusRunningBuild: {
		store.StatusRunningDeploy,
		store.StatusFailedBuild,
		store.StatusUnknown,
	},
	store.StatusRunningDeploy: {
		store.StatusSuccess,
		store.StatusFailedDeploy,
		store.StatusUnknown,
	},
}

// CanTransition reports whether the pipeline state machine allows moving
// from one status to another. Terminal statuses allow nothing.
func CanTransition(from, to store.RunStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StatusService is the single writer for pipeline status. Every change
// goes through UpdateStatus, which persists the transition together with
// its log fragment and fans the event out to subscribers.
type StatusService struct {
	runStore store.RunStore
	notifier Notifier
	logCap   int
}

func NewStatusService(runStore store.RunStore, notifier Notifier, logCap int) *StatusService {
	if logCap <= 0 {
		logCap = internal.DefaultLogCap
	}
	return &StatusService{runStore: runStore, notifier: notifier, logCap: logCap}
}

func logLine(message string) string {
	ts := time.Now().UTC().Format(internal.LogTimestampLayout)
	return fmt.Sprintf("[%s] %s\n", ts, message)
}

func (s *StatusService) UpdateStatus(
	ctx context.Context,
	runID, configID int64,
	status store.RunStatus,
	message string,
) (*store.PipelineRun, error) {
	current, err := s.runStore.ReadRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, status) {
		return nil, &TransitionError{From: string(current.Status), To: string(status)}
	}

	fragment := ""
	if message != "" {
		fragment = logLine(message)
	}
	updated, err := s.runStore.UpdateRunStatus(ctx, runID, status, fragment, s.logCap)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		ev := StatusEvent{
			ConfigID:  configID,
			RunID:     updated.RunID,
			Status:    updated.Status,
			CommitSHA: updated.CommitSHA,
		}
		if err := s.notifier.PublishStatus(ctx, ev); err != nil {
			log.Printf("err publishing status event for run %d: %+v\n", runID, err)
		}
	}
	return updated, nil
}

// AppendLogs adds raw output to a running pipeline without changing its
// status. Appends against a finished run are dropped with a warning so a
// straggling goroutine cannot reopen it.
func (s *StatusService) AppendLogs(ctx context.Context, runID int64, output string) error {
	current, err := s.runStore.ReadRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		log.Printf("dropping log append for finished run %d\n", runID)
		return nil
	}
	return s.runStore.AppendRunLogs(ctx, runID, output, s.logCap)
}
