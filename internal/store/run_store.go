package store

import (
	"context"
	"time"
)

type RunStatus string

const (
	StatusPending       RunStatus = "PENDING"
	StatusRunningGit    RunStatus = "RUNNING_GIT"
	StatusRunningBuild  RunStatus = "RUNNING_DOCKER_BUILD"
	StatusRunningDeploy RunStatus = "RUNNING_DOCKER_DEPLOY"
	StatusSuccess       RunStatus = "SUCCESS"
	StatusFailedGit     RunStatus = "FAILED_GIT"
	StatusFailedBuild   RunStatus = "FAILED_DOCKER_BUILD"
	StatusFailedDeploy  RunStatus = "FAILED_DOCKER_DEPLOY"
	StatusUnknown       RunStatus = "UNKNOWN"
)

// Terminal reports whether the status ends a pipeline run. A run entering
// a terminal status gets its end_time stamped exactly once.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailedGit, StatusFailedBuild, StatusFailedDeploy, StatusUnknown:
		return true
	}
	return false
}

// LogTruncationMarker prefixes the stored log text once the cap has been
// exceeded. The tail of the logs is always preserved verbatim.
const LogTruncationMarker = "... (logs truncated)\n"

// CapLogs appends fragment to existing and bounds the result to logCap
// characters, dropping the oldest text first.
func CapLogs(existing, fragment string, logCap int) string {
	combined := existing + fragment
	if logCap <= 0 || len(combined) <= logCap {
		return combined
	}
	keep := logCap - len(LogTruncationMarker)
	if keep < 0 {
		keep = 0
	}
	return LogTruncationMarker + combined[len(combined)-keep:]
}

type PipelineRun struct {
	RunID          int64
	RunConfigID    int64
	Status         RunStatus
	CommitSHA      string
	TriggerEventID string
	Logs           string
	TriggerTime    time.Time
	EndTime        *time.Time
}

type RunStore interface {
	CreatePipelineRun(
		ctx context.Context, configID int64, commitSHA, triggerEventID, initialLogs string,
	) (*PipelineRun, error)
	ReadRunByID(ctx context.Context, runID int64) (*PipelineRun, error)
	ReadRunByTriggerEventID(ctx context.Context, triggerEventID string) (*PipelineRun, error)
	ListRunsForConfig(ctx context.Context, configID int64) ([]PipelineRun, error)
	ListRunsForUser(ctx context.Context, userID int64) ([]PipelineRun, error)
	LatestRunForUser(ctx context.Context, userID int64) (*PipelineRun, error)
	UpdateRunStatus(
		ctx context.Context, runID int64, status RunStatus, logFragment string, logCap int,
	) (*PipelineRun, error)
	AppendRunLogs(ctx context.Context, runID int64, fragment string, logCap int) error
	DeletePipelineRun(ctx context.Context, runID int64) error
}
