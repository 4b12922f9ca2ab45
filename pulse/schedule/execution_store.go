package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/warden/errors"
)

// ExecutionStore handles persistence of job execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create records the start of an execution.
func (s *ExecutionStore) Create(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, runner_key, node_id, manual, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID,
		string(exec.JobID),
		string(exec.RunnerKey),
		exec.NodeID,
		exec.Manual,
		exec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution for job %s", exec.JobID)
	}
	return nil
}

// Finish records the outcome of an execution.
func (s *ExecutionStore) Finish(ctx context.Context, id string, finishedAt time.Time, outcome, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions
		SET finished_at = ?, duration_ms = ? - started_at, outcome = ?, message = ?
		WHERE id = ?`,
		finishedAt.UnixMilli(), finishedAt.UnixMilli(), outcome, nullString(message), id)
	if err != nil {
		return errors.Wrapf(err, "failed to finish execution %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("execution %s not found", id)
	}
	return nil
}

// ListByJob returns the most recent executions of a job, newest first.
// A limit of zero or less returns everything.
func (s *ExecutionStore) ListByJob(ctx context.Context, jobID JobID, limit int) ([]*Execution, error) {
	query := `
		SELECT id, job_id, runner_key, node_id, manual, started_at, finished_at, duration_ms, outcome, message
		FROM job_executions
		WHERE job_id = ?
		ORDER BY started_at DESC, id DESC`
	args := []interface{}{string(jobID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions of job %s", jobID)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var (
			e                    Execution
			jid, key             string
			startedAt            int64
			finishedAt, duration sql.NullInt64
			outcome, message     sql.NullString
		)
		if err := rows.Scan(&e.ID, &jid, &key, &e.NodeID, &e.Manual, &startedAt,
			&finishedAt, &duration, &outcome, &message); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		e.JobID = JobID(jid)
		e.RunnerKey = JobRunnerKey(key)
		e.StartedAt = time.UnixMilli(startedAt).UTC()
		e.FinishedAt = fromMillisPtr(finishedAt)
		if duration.Valid {
			d := duration.Int64
			e.DurationMS = &d
		}
		e.Outcome = outcome.String
		e.Message = message.String
		execs = append(execs, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate executions")
	}
	return execs, nil
}

// PruneBefore deletes finished executions that started before cutoff.
func (s *ExecutionStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_executions WHERE finished_at IS NOT NULL AND started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune executions")
	}
	return res.RowsAffected()
}
