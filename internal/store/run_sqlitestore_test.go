package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func TestCapLogs(t *testing.T) {
	t.Run("text under the cap is unchanged", func(t *testing.T) {
		// act
		out := CapLogs("line one\n", "line two\n", 100)

		// assert
		assert.Equal(t, "line one\nline two\n", out)
	})
	t.Run("text over the cap keeps the tail", func(t *testing.T) {
		// arrange
		existing := strings.Repeat("a", 90)
		fragment := "the very end\n"

		// act
		out := CapLogs(existing, fragment, 100)

		// assert
		assert.Equal(t, 100, len(out))
		assert.True(t, strings.HasPrefix(out, LogTruncationMarker))
		assert.True(t, strings.HasSuffix(out, fragment))
	})
	t.Run("single oversized fragment is tail trimmed", func(t *testing.T) {
		// arrange
		fragment := strings.Repeat("x", 200) + "END"

		// act
		out := CapLogs("", fragment, 100)

		// assert
		assert.Equal(t, 100, len(out))
		assert.True(t, strings.HasSuffix(out, "END"))
	})
	t.Run("non positive cap disables truncation", func(t *testing.T) {
		// act
		out := CapLogs("a", "b", 0)

		// assert
		assert.Equal(t, "ab", out)
	})
}

type runSQLiteStoreSuite struct {
	runStore    *RunSQLiteStore
	configStore *ConfigSQLiteStore
	db          *sql.DB
	config      *RepoConfig
	user        *User
	eventSeq    int
	suite.Suite
}

func TestRunSQLiteStore(t *testing.T) {
	suite.Run(t, new(runSQLiteStoreSuite))
}

func (suite *runSQLiteStoreSuite) SetupSuite() {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	suite.db = db
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		log.Fatal(err)
	}

	RunMigrations(db, "../../migrations")

	suite.runStore = NewRunSQLiteStore(db, db)
	suite.configStore = NewConfigSQLiteStore(db, db)

	c, err := suite.configStore.CreateConfig(context.Background(), &RepoConfig{
		RepoURL:    "https://github.com/acme/widgets",
		MainBranch: "main",
		Platform:   "github",
	})
	if err != nil {
		log.Fatal(err)
	}
	suite.config = c

	userStore := NewUserSQLiteStore(db, db)
	u, err := userStore.CreateUser(context.Background(), "runtestuser")
	if err != nil {
		log.Fatal(err)
	}
	suite.user = u
	if err := suite.configStore.AddConfigUser(
		context.Background(), c.ConfigID, u.UserID); err != nil {
		log.Fatal(err)
	}
}

func (suite *runSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *runSQLiteStoreSuite) nextEventID() string {
	suite.eventSeq++
	return fmt.Sprintf("delivery-%d", suite.eventSeq)
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_CreatePipelineRun() {
	suite.Run("success - run created as pending", func() {
		// arrange
		eventID := suite.nextEventID()

		// act
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(),
			suite.config.ConfigID,
			"0123456789abcdef",
			eventID,
			"webhook received\n",
		)

		// assert
		suite.NoError(err)
		suite.NotNil(r)
		suite.Equal(StatusPending, r.Status)
		suite.Equal("webhook received\n", r.Logs)
		suite.Nil(r.EndTime)
	})
	suite.Run("failure - duplicate trigger event id", func() {
		// arrange
		eventID := suite.nextEventID()
		_, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "aaa", eventID, "")
		suite.NoError(err)

		// act
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "aaa", eventID, "")

		// assert
		suite.Error(err)
		var sqliteErr *sqlite.Error
		ok := errors.As(err, &sqliteErr)
		suite.True(ok)
		suite.Equal(sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqliteErr.Code())
		suite.Nil(r)
	})
	suite.Run("failure - invalid config id", func() {
		// act
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(), 2345523, "aaa", suite.nextEventID(), "")

		// assert
		suite.Error(err)
		var sqliteErr *sqlite.Error
		ok := errors.As(err, &sqliteErr)
		suite.True(ok)
		suite.Equal(sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqliteErr.Code())
		suite.Nil(r)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ReadRunByID() {
	suite.Run("success - run is found", func() {
		// arrange
		expectedRun, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "bbb", suite.nextEventID(), "")
		suite.NoError(err)

		// act
		r, err := suite.runStore.ReadRunByID(context.Background(), expectedRun.RunID)

		// assert
		suite.NoError(err)
		suite.NotNil(r)
		suite.Equal(expectedRun.CommitSHA, r.CommitSHA)
		suite.Equal(expectedRun.Status, r.Status)
	})
	suite.Run("failure - run is not found", func() {
		// act
		r, err := suite.runStore.ReadRunByID(context.Background(), 3432452)

		// assert
		suite.Error(err)
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(r)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ReadRunByTriggerEventID() {
	suite.Run("success - duplicate delivery is detectable", func() {
		// arrange
		eventID := suite.nextEventID()
		expectedRun, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "ccc", eventID, "")
		suite.NoError(err)

		// act
		r, err := suite.runStore.ReadRunByTriggerEventID(context.Background(), eventID)

		// assert
		suite.NoError(err)
		suite.Equal(expectedRun.RunID, r.RunID)
	})
	suite.Run("failure - unseen delivery id", func() {
		// act
		r, err := suite.runStore.ReadRunByTriggerEventID(
			context.Background(), "never-delivered")

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(r)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_UpdateRunStatus() {
	suite.Run("success - status and logs update", func() {
		// arrange
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "ddd", suite.nextEventID(), "start\n")
		suite.NoError(err)

		// act
		updated, err := suite.runStore.UpdateRunStatus(
			context.Background(), r.RunID, StatusRunningGit, "syncing repository\n", 20000)

		// assert
		suite.NoError(err)
		suite.Equal(StatusRunningGit, updated.Status)
		suite.Equal("start\nsyncing repository\n", updated.Logs)
		suite.Nil(updated.EndTime)
	})
	suite.Run("success - first terminal entry stamps end time once", func() {
		// arrange
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "eee", suite.nextEventID(), "")
		suite.NoError(err)

		// act
		first, err := suite.runStore.UpdateRunStatus(
			context.Background(), r.RunID, StatusFailedGit, "clone failed\n", 20000)
		suite.NoError(err)
		second, err := suite.runStore.UpdateRunStatus(
			context.Background(), r.RunID, StatusUnknown, "late entry\n", 20000)

		// assert
		suite.NoError(err)
		suite.NotNil(first.EndTime)
		suite.NotNil(second.EndTime)
		suite.Equal(first.EndTime.Unix(), second.EndTime.Unix())
	})
	suite.Run("success - logs are capped with tail preserved", func() {
		// arrange
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "fff", suite.nextEventID(),
			strings.Repeat("x", 150))
		suite.NoError(err)

		// act
		updated, err := suite.runStore.UpdateRunStatus(
			context.Background(), r.RunID, StatusRunningGit, "TAIL\n", 100)

		// assert
		suite.NoError(err)
		suite.Equal(100, len(updated.Logs))
		suite.True(strings.HasPrefix(updated.Logs, LogTruncationMarker))
		suite.True(strings.HasSuffix(updated.Logs, "TAIL\n"))
	})
	suite.Run("failure - unknown run id", func() {
		// act
		_, err := suite.runStore.UpdateRunStatus(
			context.Background(), 9999999, StatusSuccess, "", 20000)

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_AppendRunLogs() {
	suite.Run("success - fragment appended without status change", func() {
		// arrange
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "abc", suite.nextEventID(), "a\n")
		suite.NoError(err)

		// act
		appendErr := suite.runStore.AppendRunLogs(context.Background(), r.RunID, "b\n", 20000)
		read, readErr := suite.runStore.ReadRunByID(context.Background(), r.RunID)

		// assert
		suite.NoError(appendErr)
		suite.NoError(readErr)
		suite.Equal("a\nb\n", read.Logs)
		suite.Equal(StatusPending, read.Status)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_ListRunsForUser() {
	suite.Run("success - user sees runs for owned configs", func() {
		// arrange
		expectedRun, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "lll", suite.nextEventID(), "")
		suite.NoError(err)

		// act
		runs, err := suite.runStore.ListRunsForUser(context.Background(), suite.user.UserID)

		// assert
		suite.NoError(err)
		suite.True(slices.ContainsFunc(runs, func(r PipelineRun) bool {
			return r.RunID == expectedRun.RunID
		}))
	})
	suite.Run("success - latest run comes back first", func() {
		// arrange
		_, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "m1", suite.nextEventID(), "")
		suite.NoError(err)
		newest, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "m2", suite.nextEventID(), "")
		suite.NoError(err)

		// act
		latest, err := suite.runStore.LatestRunForUser(context.Background(), suite.user.UserID)

		// assert
		suite.NoError(err)
		suite.Equal(newest.RunID, latest.RunID)
	})
	suite.Run("success - stranger sees nothing", func() {
		// act
		runs, err := suite.runStore.ListRunsForUser(context.Background(), 424242)

		// assert
		suite.NoError(err)
		suite.Empty(runs)
	})
}

func (suite *runSQLiteStoreSuite) TestRunSQLiteStore_DeletePipelineRun() {
	suite.Run("success - run is deleted", func() {
		// arrange
		r, err := suite.runStore.CreatePipelineRun(
			context.Background(), suite.config.ConfigID, "del", suite.nextEventID(), "")
		suite.NoError(err)

		// act
		deleteErr := suite.runStore.DeletePipelineRun(context.Background(), r.RunID)
		_, readErr := suite.runStore.ReadRunByID(context.Background(), r.RunID)

		// assert
		suite.NoError(deleteErr)
		suite.True(errors.Is(readErr, sql.ErrNoRows))
	})
}
