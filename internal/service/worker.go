package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/haatos/pushdeploy/internal/queue"
	"github.com/haatos/pushdeploy/internal/store"
)

const dequeueTimeout = 5 * time.Second

// WorkerPool drains the job queue and runs pipelines to completion. Every
// status change a worker makes goes through the StatusService so the
// persisted run and the subscribers stay in step.
type WorkerPool struct {
	queue       queue.Queue
	configStore store.ConfigStore
	runStore    store.RunStore
	status      *StatusService
	git         *GitSyncService
	docker      *DockerService
	screener    *Screener
	archive     *ArchiveService
	workers     int
}

func NewWorkerPool(
	q queue.Queue,
	configStore store.ConfigStore,
	runStore store.RunStore,
	status *StatusService,
	git *GitSyncService,
	docker *DockerService,
	screener *Screener,
	archive *ArchiveService,
	workers int,
) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		queue:       q,
		configStore: configStore,
		runStore:    runStore,
		status:      status,
		git:         git,
		docker:      docker,
		screener:    screener,
		archive:     archive,
		workers:     workers,
	}
}

// Start blocks until ctx is cancelled and every worker has drained its
// current job.
func (wp *WorkerPool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := wp.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker %d: err dequeuing job: %+v\n", id, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		switch job.Task {
		case queue.TaskRunPipeline:
			if job.Pipeline != nil {
				wp.RunPipeline(ctx, job.Pipeline)
			}
		case queue.TaskSyncInstallation:
			if job.Installation != nil {
				wp.SyncInstallation(ctx, job.Installation)
			}
		default:
			log.Printf("worker %d: dropping job with unknown task %q\n", id, job.Task)
		}
	}
}

// RunPipeline executes one pipeline job end to end, creating the PENDING
// run first. Failures surface as the stage-specific terminal status and a
// panic lands the run in UNKNOWN instead of leaving it running forever.
func (wp *WorkerPool) RunPipeline(ctx context.Context, job *queue.PipelineJob) {
	run, ok := wp.claimRun(ctx, job)
	if !ok {
		return
	}

	// runs after the recover below, so a wedged run still ends terminal
	defer wp.ensureTerminal(ctx, run.RunID, job.ConfigID)

	defer func() {
		if r := recover(); r != nil {
			wp.transition(ctx, run.RunID, job.ConfigID, store.StatusUnknown,
				fmt.Sprintf("pipeline aborted: %v", r))
			wp.archiveRun(ctx, job.ConfigID, run.RunID)
		}
	}()

	rc, err := wp.configStore.ReadConfigByID(ctx, job.ConfigID)
	if err != nil {
		wp.fail(ctx, run.RunID, job.ConfigID, store.StatusFailedGit,
			fmt.Sprintf("repo config %d unavailable: %v", job.ConfigID, err))
		return
	}

	wp.transition(ctx, run.RunID, rc.ConfigID, store.StatusRunningGit,
		fmt.Sprintf("syncing %s at %s", rc.RepoURL, job.CommitSHA))

	dir, gitLogs, gitErr := wp.git.Sync(ctx, rc, job.CommitSHA)
	wp.appendLogs(ctx, run.RunID, gitLogs)
	if gitErr != nil {
		wp.fail(ctx, run.RunID, rc.ConfigID, store.StatusFailedGit,
			fmt.Sprintf("repository sync failed: %v", gitErr))
		return
	}

	wp.transition(ctx, run.RunID, rc.ConfigID, store.StatusRunningBuild,
		"screening build files")

	violations, err := wp.screener.ScreenWorkspace(dir)
	if err != nil {
		wp.fail(ctx, run.RunID, rc.ConfigID, store.StatusFailedBuild,
			fmt.Sprintf("content screen failed: %v", err))
		return
	}
	if len(violations) > 0 {
		wp.appendLogs(ctx, run.RunID, strings.Join(violations, "\n")+"\n")
		wp.fail(ctx, run.RunID, rc.ConfigID, store.StatusFailedBuild,
			(&ScreenError{Violations: violations}).Error())
		return
	}

	buildLogs, buildErr := wp.docker.BuildImage(ctx, dir, rc, job.CommitSHA)
	wp.appendLogs(ctx, run.RunID, buildLogs)
	if buildErr != nil {
		wp.fail(ctx, run.RunID, rc.ConfigID, store.StatusFailedBuild,
			fmt.Sprintf("image build failed: %v", buildErr))
		return
	}

	wp.transition(ctx, run.RunID, rc.ConfigID, store.StatusRunningDeploy,
		"publishing images and retiring previous container")

	publishLogs, publishErr := wp.docker.Publish(ctx, dir, rc, run.RunID, job.CommitSHA)
	wp.appendLogs(ctx, run.RunID, publishLogs)
	if publishErr != nil {
		wp.fail(ctx, run.RunID, rc.ConfigID, store.StatusFailedDeploy,
			fmt.Sprintf("publish failed: %v", publishErr))
		return
	}

	wp.transition(ctx, run.RunID, rc.ConfigID, store.StatusSuccess, "pipeline finished")
	wp.archiveRun(ctx, rc.ConfigID, run.RunID)
}

// claimRun creates the PENDING run for a job. The unique trigger event id
// makes a redelivered job land on the existing run instead: still PENDING
// means a worker died before starting and the job is picked up again,
// anything else means the run is finished or owned by another worker.
func (wp *WorkerPool) claimRun(
	ctx context.Context, job *queue.PipelineJob,
) (*store.PipelineRun, bool) {
	run, err := wp.runStore.CreatePipelineRun(
		ctx, job.ConfigID, job.CommitSHA, job.TriggerEventID, job.InitialLogs)
	if err == nil {
		return run, true
	}
	if !store.IsUniqueConstraintError(err) {
		log.Printf("err creating run for trigger event %s: %+v\n", job.TriggerEventID, err)
		return nil, false
	}

	run, err = wp.runStore.ReadRunByTriggerEventID(ctx, job.TriggerEventID)
	if err != nil {
		log.Printf("err reading run for trigger event %s: %+v\n", job.TriggerEventID, err)
		return nil, false
	}
	if run.Status != store.StatusPending {
		log.Printf("run %d is %s, dropping redelivered job\n", run.RunID, run.Status)
		return nil, false
	}
	return run, true
}

// transition records a status change. A persistence error must not abort
// an otherwise working pipeline, so it is logged and the stage sequence
// continues; ensureTerminal catches a run the failure left wedged.
func (wp *WorkerPool) transition(
	ctx context.Context,
	runID, configID int64,
	status store.RunStatus,
	message string,
) {
	if _, err := wp.status.UpdateStatus(ctx, runID, configID, status, message); err != nil {
		log.Printf("err moving run %d to %s: %+v\n", runID, status, err)
	}
}

// ensureTerminal drives a run that is still in a non-terminal status after
// the pipeline finished to UNKNOWN, so a lost status update can never
// leave it running forever.
func (wp *WorkerPool) ensureTerminal(ctx context.Context, runID, configID int64) {
	run, err := wp.runStore.ReadRunByID(ctx, runID)
	if err != nil {
		log.Printf("err reading run %d for terminal check: %+v\n", runID, err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	wp.transition(ctx, runID, configID, store.StatusUnknown,
		"pipeline finished but status tracking failed")
	wp.archiveRun(ctx, configID, runID)
}

// SyncInstallation applies a platform app installation change to the repo
// configs it covers.
func (wp *WorkerPool) SyncInstallation(ctx context.Context, job *queue.InstallationJob) {
	switch job.Action {
	case "deleted":
		n, err := wp.configStore.ClearInstallationID(ctx, job.InstallationID)
		if err != nil {
			log.Printf("err clearing installation %d: %+v\n", job.InstallationID, err)
			return
		}
		log.Printf("cleared installation %d from %d config(s)\n", job.InstallationID, n)
	case "removed":
		for _, repoURL := range job.RepoURLs {
			if _, err := wp.configStore.ClearInstallationForRepo(ctx, repoURL); err != nil {
				log.Printf("err clearing installation for %s: %+v\n", repoURL, err)
			}
		}
	default:
		// created or added
		for _, repoURL := range job.RepoURLs {
			n, err := wp.configStore.SetInstallationID(ctx, repoURL, job.InstallationID)
			if err != nil {
				log.Printf("err stamping installation on %s: %+v\n", repoURL, err)
				continue
			}
			if n == 0 {
				if _, err := wp.configStore.CreateConfig(ctx, &store.RepoConfig{
					RepoURL:        repoURL,
					MainBranch:     "main",
					Platform:       "github",
					InstallationID: &job.InstallationID,
				}); err != nil {
					log.Printf("err creating config for %s: %+v\n", repoURL, err)
				}
			}
		}
	}
}

func (wp *WorkerPool) appendLogs(ctx context.Context, runID int64, output string) {
	if output == "" {
		return
	}
	if err := wp.status.AppendLogs(ctx, runID, output); err != nil {
		log.Printf("err appending logs to run %d: %+v\n", runID, err)
	}
}

func (wp *WorkerPool) fail(
	ctx context.Context,
	runID, configID int64,
	status store.RunStatus,
	message string,
) {
	if _, err := wp.status.UpdateStatus(ctx, runID, configID, status, message); err != nil {
		log.Printf("err failing run %d as %s: %+v\n", runID, status, err)
	}
	wp.archiveRun(ctx, configID, runID)
}

// archiveRun snapshots the final logs. Archival problems never affect the
// run's outcome.
func (wp *WorkerPool) archiveRun(ctx context.Context, configID, runID int64) {
	if wp.archive == nil {
		return
	}
	run, err := wp.runStore.ReadRunByID(ctx, runID)
	if err != nil {
		log.Printf("err reading run %d for archival: %+v\n", runID, err)
		return
	}
	p, err := wp.archive.SaveRunLogs(run)
	if err != nil {
		log.Printf("err saving logs for run %d: %+v\n", runID, err)
		return
	}
	rc, err := wp.configStore.ReadConfigByID(ctx, configID)
	if err != nil {
		return
	}
	if err := wp.archive.UploadRunLogs(rc, p); err != nil {
		log.Printf("err uploading logs for run %d: %+v\n", runID, err)
	}
}
