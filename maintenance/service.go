package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/pulse"
	"github.com/teranos/warden/pulse/metrics"
)

// Operation names used in events, logs and metrics.
const (
	OpBackup  = "backup"
	OpRestore = "restore"
	OpMigrate = "migrate"
)

// Config holds the tunables of maintenance operations.
type Config struct {
	BackupDir         string
	DrainTimeout      time.Duration
	ForceDrainTimeout time.Duration
	// Retention is how many archives a backup keeps; <= 0 keeps all.
	Retention int
}

// DefaultConfig returns the defaults the configuration file starts from.
func DefaultConfig() Config {
	return Config{
		BackupDir:         "backups",
		DrainTimeout:      10 * time.Second,
		ForceDrainTimeout: time.Second,
		Retention:         5,
	}
}

// Validate rejects negative timeouts and an empty backup directory.
func (c Config) Validate() error {
	if c.BackupDir == "" {
		return errors.NewInvalidRequestError("backup directory is empty")
	}
	if c.DrainTimeout < 0 || c.ForceDrainTimeout < 0 {
		return errors.NewInvalidRequestError("drain timeouts must not be negative (drain=%s force=%s)",
			c.DrainTimeout, c.ForceDrainTimeout)
	}
	return nil
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for tasks and progress polling.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMetrics records task outcomes and progress.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// RunOption configures a single operation.
type RunOption func(*runOptions)

type runOptions struct {
	onProgress func(pulse.Progress)
	interval   time.Duration
}

// WithProgress reports the task's progress while it runs and once when it
// ends.
func WithProgress(fn func(pulse.Progress)) RunOption {
	return func(o *runOptions) { o.onProgress = fn }
}

// WithProgressInterval sets how often progress is polled.
func WithProgressInterval(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// Service runs one maintenance operation at a time against a gate.
type Service struct {
	gate    *latch.Gate
	bus     *EventBus
	clock   clock.Clock
	metrics *metrics.Collector
	schema  *latch.Cached[latch.Schema]
	base    *zap.SugaredLogger
	log     *zap.SugaredLogger

	mu      sync.Mutex
	cfg     Config
	current *Task
}

// NewService wires the event bus to the audit log and metrics.
func NewService(gate *latch.Gate, cfg Config, log *zap.SugaredLogger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Service{
		gate:  gate,
		bus:   NewEventBus(),
		clock: clock.New(),
		cfg:   cfg,
		base:  log,
		log:   logger.AddPhaseSymbol(log.Named("maintenance")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.schema = latch.NewCached(gate, func(ctx context.Context, h latch.Handle) (latch.Schema, error) {
		return h.Schema(ctx)
	})
	s.bus.SubscribeAll(AuditHandler(log))
	if s.metrics != nil {
		s.bus.SubscribeAll(MetricsHandler(s.metrics))
		s.metrics.ObserveGate(gate)
	}
	return s, nil
}

// Bus is where task events are published.
func (s *Service) Bus() *EventBus { return s.bus }

// Config returns the active configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the configuration. A running task keeps the values
// it started with.
func (s *Service) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if old != cfg {
		s.log.Infow("Maintenance configuration updated",
			"backup_dir", cfg.BackupDir,
			"drain_timeout", cfg.DrainTimeout,
			"force_drain_timeout", cfg.ForceDrainTimeout,
			"retention", cfg.Retention)
	}
	return nil
}

// Schema is the live database layout, cached until the handle is swapped.
func (s *Service) Schema(ctx context.Context) (latch.Schema, error) {
	return s.schema.Get(ctx)
}

// Archives lists the archives in the backup directory, newest first.
func (s *Service) Archives() ([]string, error) {
	return ListArchives(s.Config().BackupDir)
}

// Current returns the running task, if any.
func (s *Service) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Cancel cancels the running task. It reports whether there was one.
func (s *Service) Cancel() bool {
	t := s.Current()
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

// NewBackup creates a backup task from the current configuration without
// running it.
func (s *Service) NewBackup() *BackupTask {
	cfg := s.Config()
	return NewBackupTask(s.taskConfig(cfg, OpBackup), cfg.BackupDir, cfg.Retention)
}

// Backup writes an archive and returns its path.
func (s *Service) Backup(ctx context.Context, opts ...RunOption) (string, error) {
	t := s.NewBackup()
	if err := s.Run(ctx, t.Task, opts...); err != nil {
		return "", err
	}
	return t.Archive(), nil
}

// Restore replaces the live database with archive.
func (s *Service) Restore(ctx context.Context, archive string, opts ...RunOption) error {
	live, err := s.Schema(ctx)
	if err != nil {
		return errors.Wrap(err, "read live schema")
	}
	t := NewRestoreTask(s.taskConfig(s.Config(), OpRestore), archive, live)
	return s.Run(ctx, t.Task, opts...)
}

// Migrate moves the live database to target.
func (s *Service) Migrate(ctx context.Context, target string, opts ...RunOption) error {
	t := NewMigrationTask(s.taskConfig(s.Config(), OpMigrate), target)
	return s.Run(ctx, t.Task, opts...)
}

// Run executes t unless another task is running.
func (s *Service) Run(ctx context.Context, t *Task, opts ...RunOption) error {
	ro := runOptions{interval: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(&ro)
	}

	s.mu.Lock()
	if s.current != nil {
		running := s.current
		s.mu.Unlock()
		return errors.WithDetailf(ErrTaskRunning, "running: %s %s", running.Operation(), running.ID())
	}
	s.current = t
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.poll(t, ro, done)
	}()

	err := t.Run(ctx)
	close(done)
	wg.Wait()
	if ro.onProgress != nil {
		ro.onProgress(t.Progress())
	}
	return err
}

func (s *Service) poll(t *Task, ro runOptions, done <-chan struct{}) {
	ticker := s.clock.Ticker(ro.interval)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p := t.Progress()
			if p.Percentage == last || t.State().Terminal() {
				continue
			}
			last = p.Percentage
			s.metrics.TaskProgress(t.Operation(), p.Percentage)
			if ro.onProgress != nil {
				ro.onProgress(p)
			}
		}
	}
}

func (s *Service) taskConfig(cfg Config, op string) TaskConfig {
	return TaskConfig{
		Operation:         op,
		Gate:              s.gate,
		Bus:               s.bus,
		DrainTimeout:      cfg.DrainTimeout,
		ForceDrainTimeout: cfg.ForceDrainTimeout,
		Clock:             s.clock,
		Log:               s.base,
	}
}
