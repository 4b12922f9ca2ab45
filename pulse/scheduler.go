// Package pulse is warden's job scheduler: runners register under a key,
// jobs are scheduled against a key with a Schedule and a RunMode, and a
// clock-driven ticker fires them on a bounded worker pool.
//
// RunLocally jobs fire on every node from an in-memory, per-node schedule.
// RunOncePerCluster jobs are claimed through a conditional update on the
// shared database so that each occurrence fires on exactly one node.
//
// All database access goes through the latch gate, so the scheduler pauses
// while maintenance holds the database.
package pulse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/pulse/async"
	"github.com/teranos/warden/pulse/metrics"
	"github.com/teranos/warden/pulse/schedule"
)

var (
	// ErrNoRunnerRegistered marks scheduling a RunLocally job whose runner
	// is not registered on this node.
	ErrNoRunnerRegistered = errors.New("no job runner registered")
	// ErrSchedulerShutdown is returned by scheduling operations after Shutdown.
	ErrSchedulerShutdown = errors.New("scheduler is shut down")
)

// Config tunes the scheduler.
type Config struct {
	// NodeID identifies this node in cluster claims and execution history.
	// Empty means hostname plus a random suffix.
	NodeID string
	// Workers bounds concurrently executing jobs.
	Workers int
	// TickInterval is how often due jobs are looked for.
	TickInterval time.Duration
	// ClaimTTL is how long a cluster claim stays live without renewal.
	ClaimTTL time.Duration
	// ShutdownTimeout bounds how long Shutdown waits for running jobs.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:         async.DefaultWorkerPoolConfig().Workers,
		TickInterval:    time.Second,
		ClaimTTL:        5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics reports job executions to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// localJob is this node's view of a RunLocally job.
type localJob struct {
	generation int64
	config     schedule.JobConfig
	next       time.Time // zero when the schedule is exhausted
}

// Scheduler registers runners, stores jobs and fires them.
type Scheduler struct {
	gate     *latch.Gate
	registry *async.RunnerRegistry
	tracker  *async.Tracker
	pool     *async.WorkerPool
	clock    clock.Clock
	metrics  *metrics.Collector
	cfg      Config
	node     string

	mu     sync.Mutex
	state  State
	local  map[schedule.JobID]*localJob
	claims map[schedule.JobID]time.Time // cluster claims held by running jobs, by last renewal
	stop   context.CancelFunc
	done   chan struct{}

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	lastNextLog string
}

// NewScheduler creates a scheduler in Standby over the database behind gate.
func NewScheduler(gate *latch.Gate, cfg Config, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	named := log.Named("pulse")

	s := &Scheduler{
		gate:     gate,
		registry: async.NewRunnerRegistry(),
		tracker:  async.NewTracker(),
		clock:    clock.New(),
		cfg:      cfg,
		node:     cfg.NodeID,
		state:    StateStandby,
		local:    make(map[schedule.JobID]*localJob),
		claims:   make(map[schedule.JobID]time.Time),
		logger:   named,
		pulseLog: logger.AddPulseSymbol(named),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.node == "" {
		s.node = defaultNodeID()
	}
	s.logger = s.logger.With(logger.FieldNodeID, s.node)
	s.pulseLog = s.pulseLog.With(logger.FieldNodeID, s.node)
	s.pool = async.NewWorkerPool(s.registry, s.tracker, async.WorkerPoolConfig{Workers: cfg.Workers}, s.logger, s.clock)
	return s
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NodeID returns the identity this node claims jobs under.
func (s *Scheduler) NodeID() string {
	return s.node
}

// RegisterJobRunner binds runner to key, replacing any earlier registration.
// Registrations are not persisted; every node must register on start.
func (s *Scheduler) RegisterJobRunner(key schedule.JobRunnerKey, runner async.JobRunner) {
	if s.registry.Register(key, runner) {
		s.pulseLog.Infow("Job runner replaced", logger.FieldRunnerKey, key)
		return
	}
	s.pulseLog.Debugw("Job runner registered", logger.FieldRunnerKey, key)
}

// UnregisterJobRunner removes key's runner. Jobs referencing it stay
// scheduled and report Unavailable when they fire.
func (s *Scheduler) UnregisterJobRunner(key schedule.JobRunnerKey) {
	s.registry.Unregister(key)
}

// RegisteredJobRunnerKeys returns the keys registered on this node.
func (s *Scheduler) RegisteredJobRunnerKeys() []schedule.JobRunnerKey {
	return s.registry.Keys()
}

// ScheduleJob stores cfg under id, replacing any job with that id.
//
// Several nodes replacing the same id with an immediately due schedule may
// fire it more than once during the race. Bias the first run a few seconds
// into the future when that matters.
func (s *Scheduler) ScheduleJob(ctx context.Context, id schedule.JobID, cfg schedule.JobConfig) error {
	if s.isShutdown() {
		return ErrSchedulerShutdown
	}
	if id == "" {
		return errors.NewInvalidRequestError("job id is required")
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithDetailf(err, "job %s", id)
	}
	if cfg.RunMode() == schedule.RunLocally && !s.registry.Has(cfg.RunnerKey()) {
		err := errors.Mark(errors.Newf("no job runner registered for key %q", cfg.RunnerKey()), ErrNoRunnerRegistered)
		return errors.WithHint(err, "RunLocally jobs need their runner registered on the scheduling node")
	}

	now := s.clock.Now()
	next, ok, err := cfg.Schedule().NextRunTime(time.Time{}, now)
	if err != nil {
		return errors.WithDetailf(err, "job %s", id)
	}
	var nextPtr *time.Time
	if ok {
		nextPtr = &next
	}

	err = s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		store := schedule.NewStore(db)
		if err := store.Upsert(ctx, id, cfg, nextPtr, now); err != nil {
			return err
		}
		if cfg.RunMode() != schedule.RunLocally {
			s.forgetLocal(id)
			return nil
		}
		rec, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.local[id] = &localJob{generation: rec.Generation, config: cfg, next: next}
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	s.pulseLog.Infow("Job scheduled",
		logger.FieldJobID, id,
		logger.FieldRunnerKey, cfg.RunnerKey(),
		"run_mode", cfg.RunMode().String(),
		"schedule", cfg.Schedule().String(),
		logger.FieldNextRunAt, nextPtr)
	return nil
}

// ScheduleJobWithGeneratedID schedules cfg under a fresh random id.
func (s *Scheduler) ScheduleJobWithGeneratedID(ctx context.Context, cfg schedule.JobConfig) (schedule.JobID, error) {
	id := schedule.JobID(uuid.NewString())
	if err := s.ScheduleJob(ctx, id, cfg); err != nil {
		return "", err
	}
	return id, nil
}

// UnscheduleJob removes id. Removing an unknown job is a no-op.
func (s *Scheduler) UnscheduleJob(ctx context.Context, id schedule.JobID) error {
	if s.isShutdown() {
		return nil
	}
	var removed bool
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		removed, err = schedule.NewStore(db).Delete(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	s.forgetLocal(id)
	if removed {
		s.pulseLog.Infow("Job unscheduled", logger.FieldJobID, id)
	}
	return nil
}

// CalculateNextRunTime estimates when sched would next fire from now,
// ignoring any job's history. Returns nil when it never fires again.
func (s *Scheduler) CalculateNextRunTime(sched schedule.Schedule) (*time.Time, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	next, ok, err := sched.NextRunTime(time.Time{}, s.clock.Now())
	if err != nil || !ok {
		return nil, err
	}
	return &next, nil
}

// GetJobDetails returns id's details, or nil when it is not scheduled.
func (s *Scheduler) GetJobDetails(ctx context.Context, id schedule.JobID) (*schedule.JobDetails, error) {
	if s.isShutdown() {
		return nil, nil
	}
	var (
		rec  *schedule.Record
		runs map[schedule.JobID]schedule.LocalRun
	)
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		store := schedule.NewStore(db)
		var err error
		if rec, err = store.Get(ctx, id); err != nil {
			return err
		}
		runs, err = store.LocalRuns(ctx, s.node)
		return err
	})
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d := s.details(rec, runs)
	return &d, nil
}

// GetJobsByJobRunnerKey returns the jobs scheduled against key.
func (s *Scheduler) GetJobsByJobRunnerKey(ctx context.Context, key schedule.JobRunnerKey) ([]schedule.JobDetails, error) {
	if s.isShutdown() {
		return nil, nil
	}
	var (
		recs []*schedule.Record
		runs map[schedule.JobID]schedule.LocalRun
	)
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		store := schedule.NewStore(db)
		var err error
		if recs, err = store.ListByRunnerKey(ctx, key); err != nil {
			return err
		}
		runs, err = store.LocalRuns(ctx, s.node)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]schedule.JobDetails, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.details(rec, runs))
	}
	return out, nil
}

// ListJobs returns every scheduled job.
func (s *Scheduler) ListJobs(ctx context.Context) ([]schedule.JobDetails, error) {
	if s.isShutdown() {
		return nil, nil
	}
	var (
		recs []*schedule.Record
		runs map[schedule.JobID]schedule.LocalRun
	)
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		store := schedule.NewStore(db)
		var err error
		if recs, err = store.List(ctx); err != nil {
			return err
		}
		runs, err = store.LocalRuns(ctx, s.node)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]schedule.JobDetails, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.details(rec, runs))
	}
	return out, nil
}

// GetJobRunnerKeysForAllScheduledJobs returns every key some job references,
// registered here or not.
func (s *Scheduler) GetJobRunnerKeysForAllScheduledJobs(ctx context.Context) ([]schedule.JobRunnerKey, error) {
	if s.isShutdown() {
		return nil, nil
	}
	var keys []schedule.JobRunnerKey
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		keys, err = schedule.NewStore(db).ListRunnerKeys(ctx)
		return err
	})
	return keys, err
}

// RunJobNow executes id immediately on the calling goroutine, regardless of
// its schedule and run mode. An unknown id reports Unavailable.
func (s *Scheduler) RunJobNow(ctx context.Context, id schedule.JobID) (*async.JobRunnerResponse, error) {
	if s.isShutdown() {
		return async.Unavailable("scheduler is shut down"), nil
	}
	details, err := s.GetJobDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	if details == nil {
		return async.Unavailable(fmt.Sprintf("job %s is not scheduled", id)), nil
	}
	req := s.fireRequest(id, details.Config, true)
	return s.pool.RunNow(ctx, req), nil
}

// LocallyRunningJobs returns the jobs executing on this node, oldest first.
func (s *Scheduler) LocallyRunningJobs() []*async.RunningJob {
	return s.tracker.Snapshot()
}

// WaitUntilIdle waits up to timeout for this node to have no running jobs.
// A zero timeout checks without blocking; a negative one is an error.
func (s *Scheduler) WaitUntilIdle(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.tracker.WaitUntilIdle(ctx, timeout)
}

// ExecutionHistory returns the latest executions of id, newest first.
func (s *Scheduler) ExecutionHistory(ctx context.Context, id schedule.JobID, limit int) ([]*schedule.Execution, error) {
	if s.isShutdown() {
		return nil, nil
	}
	var execs []*schedule.Execution
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		var err error
		execs, err = schedule.NewExecutionStore(db).ListByJob(ctx, id, limit)
		return err
	})
	return execs, err
}

// SystemMetrics reports worker and memory usage.
func (s *Scheduler) SystemMetrics() async.SystemMetrics {
	return s.pool.SystemMetrics()
}

// details is the public view of rec. A RunLocally job reports this node's
// own last run and next occurrence.
func (s *Scheduler) details(rec *schedule.Record, runs map[schedule.JobID]schedule.LocalRun) schedule.JobDetails {
	d := rec.Details(s.registry.Has(rec.Config.RunnerKey()))
	if rec.Config.RunMode() != schedule.RunLocally {
		return d
	}

	prev := lastLocalRun(rec, runs)
	d.LastRunAt = nil
	if !prev.IsZero() {
		d.LastRunAt = &prev
	}

	s.mu.Lock()
	lj, armed := s.local[rec.ID]
	armed = armed && lj.generation == rec.Generation
	var next time.Time
	if armed {
		next = lj.next
	}
	s.mu.Unlock()
	if !armed {
		var err error
		if next, err = nextLocalRun(rec.Config, prev, s.clock.Now()); err != nil {
			s.pulseLog.Warnw("Cannot compute next run", logger.FieldJobID, rec.ID, logger.FieldError, err)
		}
	}

	d.NextRunAt = nil
	if !next.IsZero() {
		d.NextRunAt = &next
	}
	return d
}

func (s *Scheduler) forgetLocal(id schedule.JobID) {
	s.mu.Lock()
	delete(s.local, id)
	s.mu.Unlock()
}

func (s *Scheduler) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateShutdown
}

// withDB runs fn under a lease on the gate. fn's context is cancelled if
// the lease is force-drained.
func (s *Scheduler) withDB(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	lease, err := s.gate.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire database")
	}
	defer lease.Release()

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lease.Context(), cancel)
	defer stop()
	return fn(qctx, lease.DB())
}
