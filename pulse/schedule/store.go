package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/warden/errors"
)

// Record is a stored job plus the cluster bookkeeping kept alongside it.
type Record struct {
	ID     JobID
	Config JobConfig
	// Generation increases on every replace of the same JobID.
	Generation int64

	NextRunAt    *time.Time
	LastRunAt    *time.Time
	RunningNode  string
	RunningUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Details converts the record into the scheduler's public view.
func (r *Record) Details(runnable bool) JobDetails {
	return JobDetails{
		JobID:     r.ID,
		Config:    r.Config,
		NextRunAt: r.NextRunAt,
		LastRunAt: r.LastRunAt,
		Runnable:  runnable,
	}
}

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `job_id, runner_key, run_mode, schedule_kind, cron_expr, interval_ms,
	first_run_at, once_at, parameters, generation, next_run_at, last_run_at,
	running_node, running_until, created_at, updated_at`

// Upsert stores cfg under id, replacing any existing job with that id.
// A replace bumps the generation and forgets the previous run history, but
// keeps a live claim so a running occurrence is not started twice.
func (s *Store) Upsert(ctx context.Context, id JobID, cfg JobConfig, nextRunAt *time.Time, now time.Time) error {
	if id == "" {
		return errors.NewInvalidRequestError("job id is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	params, err := encodeParameters(cfg.parameters)
	if err != nil {
		return errors.Wrapf(err, "encode parameters of job %s", id)
	}
	sch := cfg.schedule

	query := `
		INSERT INTO scheduled_jobs (
			job_id, runner_key, run_mode, schedule_kind, cron_expr, interval_ms,
			first_run_at, once_at, parameters, generation, next_run_at, last_run_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, NULL, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			runner_key = excluded.runner_key,
			run_mode = excluded.run_mode,
			schedule_kind = excluded.schedule_kind,
			cron_expr = excluded.cron_expr,
			interval_ms = excluded.interval_ms,
			first_run_at = excluded.first_run_at,
			once_at = excluded.once_at,
			parameters = excluded.parameters,
			generation = scheduled_jobs.generation + 1,
			next_run_at = excluded.next_run_at,
			last_run_at = NULL,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		string(id),
		string(cfg.runnerKey),
		cfg.runMode.String(),
		sch.kind.String(),
		nullString(sch.expr),
		nullMillis(sch.period),
		nullTime(sch.firstRunAt),
		nullTime(sch.at),
		params,
		nullTimePtr(nextRunAt),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert scheduled job %s", id)
	}
	return nil
}

// Get retrieves a scheduled job by ID
func (s *Store) Get(ctx context.Context, id JobID) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM scheduled_jobs WHERE job_id = ?`, string(id))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("scheduled job %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to get scheduled job %s", id)
	}
	return rec, nil
}

// Delete removes a job and its per-node run records. Deleting an absent
// job is not an error.
func (s *Store) Delete(ctx context.Context, id JobID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_id = ?`, string(id))
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete scheduled job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_job_runs WHERE job_id = ?`, string(id)); err != nil {
		return n > 0, errors.Wrapf(err, "failed to delete local runs of job %s", id)
	}
	return n > 0, nil
}

// LocalRun is the last occurrence a node ran of a RunLocally job.
type LocalRun struct {
	Generation int64
	LastRunAt  time.Time
}

// RecordLocalRun stores at as node's last run of id under generation.
func (s *Store) RecordLocalRun(ctx context.Context, id JobID, node string, generation int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_job_runs (job_id, node_id, generation, last_run_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, node_id) DO UPDATE SET
			generation = excluded.generation,
			last_run_at = excluded.last_run_at`,
		string(id), node, generation, at.UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to record local run of job %s", id)
	}
	return nil
}

// LocalRuns returns node's last run of every RunLocally job, by job id.
// Runs recorded under an older generation are included; callers compare.
func (s *Store) LocalRuns(ctx context.Context, node string) (map[JobID]LocalRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, generation, last_run_at FROM local_job_runs WHERE node_id = ?`, node)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query local runs")
	}
	defer rows.Close()

	runs := make(map[JobID]LocalRun)
	for rows.Next() {
		var (
			id  string
			gen int64
			at  int64
		)
		if err := rows.Scan(&id, &gen, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan local run")
		}
		runs[JobID(id)] = LocalRun{Generation: gen, LastRunAt: time.UnixMilli(at).UTC()}
	}
	return runs, errors.Wrap(rows.Err(), "iterate local runs")
}

// List returns every job ordered by id.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM scheduled_jobs ORDER BY job_id`)
}

// ListByRunnerKey returns the jobs that reference key.
func (s *Store) ListByRunnerKey(ctx context.Context, key JobRunnerKey) ([]*Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM scheduled_jobs WHERE runner_key = ? ORDER BY job_id`, string(key))
}

// ListLocal returns every RunLocally job.
func (s *Store) ListLocal(ctx context.Context) ([]*Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM scheduled_jobs WHERE run_mode = 'local' ORDER BY job_id`)
}

// ListDueCluster returns cluster jobs whose next run is at or before now and
// that no node currently holds a live claim on.
func (s *Store) ListDueCluster(ctx context.Context, now time.Time) ([]*Record, error) {
	ms := now.UnixMilli()
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM scheduled_jobs
		WHERE run_mode = 'cluster'
		  AND next_run_at IS NOT NULL AND next_run_at <= ?
		  AND (running_until IS NULL OR running_until <= ?)
		ORDER BY next_run_at ASC`, ms, ms)
}

// ListRunnerKeys returns the distinct runner keys referenced by any job.
func (s *Store) ListRunnerKeys(ctx context.Context) ([]JobRunnerKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT runner_key FROM scheduled_jobs ORDER BY runner_key`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runner keys")
	}
	defer rows.Close()

	var keys []JobRunnerKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "failed to scan runner key")
		}
		keys = append(keys, JobRunnerKey(k))
	}
	return keys, errors.Wrap(rows.Err(), "iterate runner keys")
}

// NextScheduled returns the cluster job with the earliest next run, or nil.
// RunLocally jobs are left out: each node keeps their schedule itself.
func (s *Store) NextScheduled(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM scheduled_jobs
		WHERE run_mode = 'cluster' AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC LIMIT 1`)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return rec, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scheduled jobs")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate scheduled jobs")
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		id, runnerKey, runMode, kind       string
		cronExpr, params, runningNode      sql.NullString
		intervalMS, firstRunAt, onceAt     sql.NullInt64
		nextRunAt, lastRunAt, runningUntil sql.NullInt64
		generation, createdAt, updatedAt   int64
	)
	err := sc.Scan(
		&id, &runnerKey, &runMode, &kind, &cronExpr, &intervalMS,
		&firstRunAt, &onceAt, &params, &generation, &nextRunAt, &lastRunAt,
		&runningNode, &runningUntil, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	mode, err := ParseRunMode(runMode)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", id)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", id)
	}
	parameters, err := decodeParameters(params)
	if err != nil {
		return nil, errors.Wrapf(err, "decode parameters of job %s", id)
	}

	sch := Schedule{
		kind:       k,
		expr:       cronExpr.String,
		period:     time.Duration(intervalMS.Int64) * time.Millisecond,
		firstRunAt: fromMillis(firstRunAt),
		at:         fromMillis(onceAt),
	}
	return &Record{
		ID: JobID(id),
		Config: JobConfig{
			runnerKey:  JobRunnerKey(runnerKey),
			schedule:   sch,
			runMode:    mode,
			parameters: parameters,
		},
		Generation:   generation,
		NextRunAt:    fromMillisPtr(nextRunAt),
		LastRunAt:    fromMillisPtr(lastRunAt),
		RunningNode:  runningNode.String,
		RunningUntil: fromMillisPtr(runningUntil),
		CreatedAt:    time.UnixMilli(createdAt).UTC(),
		UpdatedAt:    time.UnixMilli(updatedAt).UTC(),
	}, nil
}

func encodeParameters(params map[string]string) (interface{}, error) {
	if len(params) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeParameters(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(s.String), &params); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullMillis(d time.Duration) interface{} {
	if d == 0 {
		return nil
	}
	return d.Milliseconds()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return nullTime(*t)
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func fromMillisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
