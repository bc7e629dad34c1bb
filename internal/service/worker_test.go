package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haatos/pushdeploy/internal/queue"
	"github.com/haatos/pushdeploy/internal/security"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/stretchr/testify/assert"
)

type workerFixture struct {
	db          *sql.DB
	runStore    *store.RunSQLiteStore
	configStore *store.ConfigSQLiteStore
	notifier    *recordingNotifier
	runner      *fakeRunner
	git         *GitSyncService
	pool        *WorkerPool
	config      *store.RepoConfig
	archiveDir  string
}

func newWorkerFixture(t *testing.T, runner *fakeRunner) *workerFixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		t.Fatal(err)
	}
	store.RunMigrations(db, "../../migrations")

	runStore := store.NewRunSQLiteStore(db, db)
	configStore := store.NewConfigSQLiteStore(db, db)
	rc, err := configStore.CreateConfig(context.Background(), &store.RepoConfig{
		RepoURL:    "https://github.com/acme/widgets",
		MainBranch: "main",
		Platform:   "github",
	})
	if err != nil {
		t.Fatal(err)
	}

	encrypter := security.NewAESEncrypter([]byte(security.GenerateRandomKey(32)))
	notifier := &recordingNotifier{}
	status := NewStatusService(runStore, notifier, 20000)
	git := NewGitSyncService(t.TempDir(), runner, encrypter)
	archiveDir := t.TempDir()

	pool := NewWorkerPool(
		nil,
		configStore,
		runStore,
		status,
		git,
		NewDockerService(runner),
		NewScreener(),
		NewArchiveService(archiveDir, encrypter),
		1,
	)

	return &workerFixture{
		db:          db,
		runStore:    runStore,
		configStore: configStore,
		notifier:    notifier,
		runner:      runner,
		git:         git,
		pool:        pool,
		config:      rc,
		archiveDir:  archiveDir,
	}
}

// seedWorkingCopy fakes an already cloned repository so the sync step
// takes the pull path and the screener has real files to walk.
func (f *workerFixture) seedWorkingCopy(t *testing.T, files map[string]string) {
	t.Helper()
	dir := f.git.WorkDir(f.config)
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
}

func (f *workerFixture) newJob(t *testing.T, eventID string) (*queue.PipelineJob, *store.PipelineRun) {
	t.Helper()
	run, err := f.runStore.CreatePipelineRun(
		context.Background(), f.config.ConfigID, "0123456789abcdef", eventID, "queued\n")
	if err != nil {
		t.Fatal(err)
	}
	return &queue.PipelineJob{
		ConfigID:       f.config.ConfigID,
		CommitSHA:      "0123456789abcdef",
		TriggerEventID: eventID,
		RepoURL:        f.config.RepoURL,
		MainBranch:     f.config.MainBranch,
	}, run
}

func TestWorkerPool_RunPipeline(t *testing.T) {
	t.Run("success - ordered transitions through to success", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{
			"Dockerfile": "FROM golang:1.25\nCOPY . .\n",
		})
		job, run := f.newJob(t, "ev-success")

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		assert.Equal(t, []string{
			"RUNNING_GIT",
			"RUNNING_DOCKER_BUILD",
			"RUNNING_DOCKER_DEPLOY",
			"SUCCESS",
		}, f.notifier.statuses())

		final, err := f.runStore.ReadRunByID(context.Background(), run.RunID)
		assert.NoError(t, err)
		assert.Equal(t, store.StatusSuccess, final.Status)
		assert.NotNil(t, final.EndTime)
		assert.Contains(t, final.Logs, "git pull origin main")
		assert.Contains(t, final.Logs, "buildx")

		entries, err := os.ReadDir(f.archiveDir)
		assert.NoError(t, err)
		assert.Len(t, entries, 1)
		assert.Contains(t, entries[0].Name(), "success")
	})
	t.Run("failure - git error lands in FAILED_GIT", func(t *testing.T) {
		// arrange
		pullErr := errors.New("remote hung up")
		runner := &fakeRunner{failOn: func(args []string) error {
			if len(args) > 1 && args[1] == "pull" {
				return pullErr
			}
			return nil
		}}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, nil)
		job, run := f.newJob(t, "ev-gitfail")

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		assert.Equal(t, []string{"RUNNING_GIT", "FAILED_GIT"}, f.notifier.statuses())
		final, err := f.runStore.ReadRunByID(context.Background(), run.RunID)
		assert.NoError(t, err)
		assert.Equal(t, store.StatusFailedGit, final.Status)
		assert.Contains(t, final.Logs, "repository sync failed")
		assert.NotNil(t, final.EndTime)
	})
	t.Run("failure - screened dockerfile blocks the build", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{
			"Dockerfile": "FROM alpine\nRUN chmod 777 /data\n",
		})
		job, run := f.newJob(t, "ev-screened")

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		assert.Equal(t, []string{
			"RUNNING_GIT",
			"RUNNING_DOCKER_BUILD",
			"FAILED_DOCKER_BUILD",
		}, f.notifier.statuses())
		final, err := f.runStore.ReadRunByID(context.Background(), run.RunID)
		assert.NoError(t, err)
		assert.Contains(t, final.Logs, "chmod 777")
		assert.Contains(t, final.Logs, "content screen")

		// no build or deploy command ever ran
		for _, line := range runner.commandLines() {
			assert.NotContains(t, line, "buildx")
			assert.NotContains(t, line, "docker run")
		}
	})
	t.Run("failure - build error lands in FAILED_DOCKER_BUILD", func(t *testing.T) {
		// arrange
		buildErr := errors.New("no space left on device")
		runner := &fakeRunner{failOn: func(args []string) error {
			for _, a := range args {
				if a == "buildx" {
					return buildErr
				}
			}
			return nil
		}}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{"Dockerfile": "FROM alpine\n"})
		job, run := f.newJob(t, "ev-buildfail")

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		assert.Equal(t, []string{
			"RUNNING_GIT",
			"RUNNING_DOCKER_BUILD",
			"FAILED_DOCKER_BUILD",
		}, f.notifier.statuses())
		final, _ := f.runStore.ReadRunByID(context.Background(), run.RunID)
		assert.Equal(t, store.StatusFailedBuild, final.Status)
	})
	t.Run("failure - publish error lands in FAILED_DOCKER_DEPLOY", func(t *testing.T) {
		// arrange
		publishErr := errors.New("daemon unreachable")
		runner := &fakeRunner{failOn: func(args []string) error {
			for _, a := range args {
				if a == "--images" {
					return publishErr
				}
			}
			return nil
		}}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{
			"docker-compose.yml": "services:\n  web:\n    image: widgets:latest\n",
		})
		job, run := f.newJob(t, "ev-deployfail")

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		assert.Equal(t, []string{
			"RUNNING_GIT",
			"RUNNING_DOCKER_BUILD",
			"RUNNING_DOCKER_DEPLOY",
			"FAILED_DOCKER_DEPLOY",
		}, f.notifier.statuses())
		final, _ := f.runStore.ReadRunByID(context.Background(), run.RunID)
		assert.Equal(t, store.StatusFailedDeploy, final.Status)
	})
	t.Run("failure - a panic lands the run in UNKNOWN", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{failOn: func(args []string) error {
			for _, a := range args {
				if a == "buildx" {
					panic("nil map write in build step")
				}
			}
			return nil
		}}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{"Dockerfile": "FROM alpine\n"})
		job, run := f.newJob(t, "ev-panic")

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		final, err := f.runStore.ReadRunByID(context.Background(), run.RunID)
		assert.NoError(t, err)
		assert.Equal(t, store.StatusUnknown, final.Status)
		assert.Contains(t, final.Logs, "pipeline aborted")
		assert.NotNil(t, final.EndTime)
	})
	t.Run("success - redelivered job for a finished run is dropped", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{"Dockerfile": "FROM alpine\n"})
		job, _ := f.newJob(t, "ev-redelivered")
		f.pool.RunPipeline(context.Background(), job)
		firstEvents := len(f.notifier.statuses())

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		assert.Len(t, f.notifier.statuses(), firstEvents)
	})
	t.Run("success - the worker creates the pipeline run itself", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{"Dockerfile": "FROM alpine\n"})

		// act
		f.pool.RunPipeline(context.Background(), &queue.PipelineJob{
			ConfigID:       f.config.ConfigID,
			CommitSHA:      "0123456789abcdef",
			TriggerEventID: "ev-worker-created",
			InitialLogs:    "webhook accepted\n",
			RepoURL:        f.config.RepoURL,
			MainBranch:     f.config.MainBranch,
		})

		// assert
		run, err := f.runStore.ReadRunByTriggerEventID(
			context.Background(), "ev-worker-created")
		assert.NoError(t, err)
		assert.Equal(t, store.StatusSuccess, run.Status)
		assert.Contains(t, run.Logs, "webhook accepted")
	})
	t.Run("success - a run another worker owns is not restarted", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{"Dockerfile": "FROM alpine\n"})
		job, run := f.newJob(t, "ev-inflight")
		if _, err := f.runStore.UpdateRunStatus(
			context.Background(), run.RunID, store.StatusRunningGit, "", 20000,
		); err != nil {
			t.Fatal(err)
		}

		// act
		f.pool.RunPipeline(context.Background(), job)

		// assert
		assert.Empty(t, f.notifier.statuses())
		assert.Empty(t, runner.calls)
	})
	t.Run("failure - a lost status update cannot wedge the run", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		f := newWorkerFixture(t, runner)
		f.seedWorkingCopy(t, map[string]string{"Dockerfile": "FROM alpine\n"})
		flaky := &flakyRunStore{RunStore: f.runStore, failOn: store.StatusRunningBuild}
		status := NewStatusService(flaky, f.notifier, 20000)
		pool := NewWorkerPool(
			nil, f.configStore, flaky, status, f.git,
			NewDockerService(runner), NewScreener(), nil, 1,
		)
		job, run := f.newJob(t, "ev-flaky")

		// act
		pool.RunPipeline(context.Background(), job)

		// assert
		// the build still ran and the run did not stay in a running status
		assert.Contains(t, strings.Join(runner.commandLines(), "\n"), "buildx")
		final, err := f.runStore.ReadRunByID(context.Background(), run.RunID)
		assert.NoError(t, err)
		assert.Equal(t, store.StatusUnknown, final.Status)
		assert.NotNil(t, final.EndTime)
	})
}

// flakyRunStore fails one specific status persist and then recovers,
// modelling a transient database fault mid-pipeline.
type flakyRunStore struct {
	store.RunStore
	failOn store.RunStatus
	failed bool
}

func (s *flakyRunStore) UpdateRunStatus(
	ctx context.Context, runID int64, status store.RunStatus, logFragment string, logCap int,
) (*store.PipelineRun, error) {
	if !s.failed && status == s.failOn {
		s.failed = true
		return nil, errors.New("database is locked")
	}
	return s.RunStore.UpdateRunStatus(ctx, runID, status, logFragment, logCap)
}

func TestWorkerPool_SyncInstallation(t *testing.T) {
	t.Run("success - created stamps existing configs", func(t *testing.T) {
		// arrange
		f := newWorkerFixture(t, &fakeRunner{})

		// act
		f.pool.SyncInstallation(context.Background(), &queue.InstallationJob{
			InstallationID: 555,
			Action:         "created",
			RepoURLs:       []string{f.config.RepoURL},
		})

		// assert
		rc, err := f.configStore.ReadConfigByID(context.Background(), f.config.ConfigID)
		assert.NoError(t, err)
		assert.Equal(t, int64(555), *rc.InstallationID)
	})
	t.Run("success - created adds a config for a new repository", func(t *testing.T) {
		// arrange
		f := newWorkerFixture(t, &fakeRunner{})
		newRepo := "https://github.com/acme/brand-new"

		// act
		f.pool.SyncInstallation(context.Background(), &queue.InstallationJob{
			InstallationID: 556,
			Action:         "added",
			RepoURLs:       []string{newRepo},
		})

		// assert
		rc, err := f.configStore.ReadConfigByRepoAndBranch(
			context.Background(), newRepo, "main")
		assert.NoError(t, err)
		assert.Equal(t, int64(556), *rc.InstallationID)
	})
	t.Run("success - deleted clears every config", func(t *testing.T) {
		// arrange
		f := newWorkerFixture(t, &fakeRunner{})
		_, err := f.configStore.SetInstallationID(
			context.Background(), f.config.RepoURL, 557)
		assert.NoError(t, err)

		// act
		f.pool.SyncInstallation(context.Background(), &queue.InstallationJob{
			InstallationID: 557,
			Action:         "deleted",
		})

		// assert
		rc, err := f.configStore.ReadConfigByID(context.Background(), f.config.ConfigID)
		assert.NoError(t, err)
		assert.Nil(t, rc.InstallationID)
	})
}
