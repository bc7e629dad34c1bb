package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

const runColumns = `
	run_id, run_config_id, status, commit_sha, trigger_event_id,
	logs, trigger_time, end_time
`

type RunSQLiteStore struct {
	rdb  *sql.DB
	rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb: rdb, rwdb: rwdb}
}

func (s *RunSQLiteStore) CreatePipelineRun(
	ctx context.Context, configID int64, commitSHA, triggerEventID, initialLogs string,
) (*PipelineRun, error) {
	var r PipelineRun
	err := sqlscan.Get(
		ctx, s.rwdb, &r,
		`
		insert into pipeline_runs (run_config_id, status, commit_sha, trigger_event_id, logs)
		values (?, ?, ?, ?, ?)
		returning `+runColumns,
		configID, StatusPending, commitSHA, triggerEventID, initialLogs,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RunSQLiteStore) ReadRunByID(ctx context.Context, runID int64) (*PipelineRun, error) {
	var r PipelineRun
	err := sqlscan.Get(
		ctx, s.rdb, &r,
		`select `+runColumns+` from pipeline_runs where run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RunSQLiteStore) ReadRunByTriggerEventID(
	ctx context.Context, triggerEventID string,
) (*PipelineRun, error) {
	var r PipelineRun
	err := sqlscan.Get(
		ctx, s.rdb, &r,
		`select `+runColumns+` from pipeline_runs where trigger_event_id = ?`,
		triggerEventID,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RunSQLiteStore) ListRunsForConfig(
	ctx context.Context, configID int64,
) ([]PipelineRun, error) {
	var runs []PipelineRun
	err := sqlscan.Select(
		ctx, s.rdb, &runs,
		`
		select `+runColumns+`
		from pipeline_runs
		where run_config_id = ?
		order by run_id desc
		`,
		configID,
	)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *RunSQLiteStore) ListRunsForUser(
	ctx context.Context, userID int64,
) ([]PipelineRun, error) {
	var runs []PipelineRun
	err := sqlscan.Select(
		ctx, s.rdb, &runs,
		`
		select pr.run_id, pr.run_config_id, pr.status, pr.commit_sha,
			pr.trigger_event_id, pr.logs, pr.trigger_time, pr.end_time
		from pipeline_runs pr
		join config_users cu on cu.config_id = pr.run_config_id
		where cu.user_id = ?
		order by pr.run_id desc
		`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *RunSQLiteStore) LatestRunForUser(
	ctx context.Context, userID int64,
) (*PipelineRun, error) {
	var r PipelineRun
	err := sqlscan.Get(
		ctx, s.rdb, &r,
		`
		select pr.run_id, pr.run_config_id, pr.status, pr.commit_sha,
			pr.trigger_event_id, pr.logs, pr.trigger_time, pr.end_time
		from pipeline_runs pr
		join config_users cu on cu.config_id = pr.run_config_id
		where cu.user_id = ?
		order by pr.run_id desc
		limit 1
		`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRunStatus sets the new status and appends the log fragment in one
// transaction. end_time is stamped only on the first terminal entry, so a
// later bogus transition cannot move it.
func (s *RunSQLiteStore) UpdateRunStatus(
	ctx context.Context, runID int64, status RunStatus, logFragment string, logCap int,
) (*PipelineRun, error) {
	tx, err := s.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var r PipelineRun
	if err := sqlscan.Get(
		ctx, tx, &r,
		`select `+runColumns+` from pipeline_runs where run_id = ?`,
		runID,
	); err != nil {
		return nil, err
	}

	r.Logs = CapLogs(r.Logs, logFragment, logCap)
	r.Status = status
	if status.Terminal() && r.EndTime == nil {
		now := time.Now().UTC()
		r.EndTime = &now
	}

	if _, err := tx.ExecContext(
		ctx,
		`update pipeline_runs set status = ?, logs = ?, end_time = ? where run_id = ?`,
		r.Status, r.Logs, r.EndTime, r.RunID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RunSQLiteStore) AppendRunLogs(
	ctx context.Context, runID int64, fragment string, logCap int,
) error {
	tx, err := s.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var logs string
	if err := sqlscan.Get(
		ctx, tx,
		&logs,
		`select logs from pipeline_runs where run_id = ?`,
		runID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(
		ctx,
		`update pipeline_runs set logs = ? where run_id = ?`,
		CapLogs(logs, fragment, logCap), runID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *RunSQLiteStore) DeletePipelineRun(ctx context.Context, runID int64) error {
	_, err := s.rwdb.ExecContext(ctx, `delete from pipeline_runs where run_id = ?`, runID)
	return err
}
