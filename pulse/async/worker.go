package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/internal/util"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/pulse/schedule"
)

// WorkerPoolConfig configures the worker pool
type WorkerPoolConfig struct {
	Workers int // Maximum jobs executing at once (default 4)
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{Workers: 4}
}

// FireRequest asks the pool to execute one job.
type FireRequest struct {
	JobID  schedule.JobID
	Config schedule.JobConfig
	Manual bool

	// OnStart runs on the worker right before the runner is invoked.
	OnStart func(j *RunningJob)
	// OnDone runs on the worker with the final response, before the job
	// leaves the tracker, so WaitUntilIdle covers it.
	OnDone func(j *RunningJob, resp *JobRunnerResponse, elapsed time.Duration)
}

// WorkerPool executes fired jobs on bounded goroutines. A JobID never runs
// twice at once on one pool: a second fire while the first is in flight is
// refused, so a slow job delays its next occurrence instead of overlapping.
type WorkerPool struct {
	registry *RunnerRegistry
	tracker  *Tracker
	slots    *semaphore.Weighted
	workers  int
	clock    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards wg.Add against Stop
	active atomic.Int32

	stopped atomic.Bool

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger
}

// NewWorkerPool creates a pool that runs jobs through registry and records
// them in tracker.
func NewWorkerPool(registry *RunnerRegistry, tracker *Tracker, cfg WorkerPoolConfig, log *zap.SugaredLogger, clk clock.Clock) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerPoolConfig().Workers
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	named := log.Named("worker")
	return &WorkerPool{
		registry: registry,
		tracker:  tracker,
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		workers:  cfg.Workers,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		logger:   named,
		pulseLog: logger.AddPulseSymbol(named),
	}
}

// Submit fires req asynchronously. It returns false when the job is already
// running on this node or the pool is stopped.
func (wp *WorkerPool) Submit(req FireRequest) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped.Load() {
		return false
	}

	rj, jobCtx := NewRunningJob(wp.ctx, req.JobID, req.Config, wp.clock.Now(), req.Manual)
	if !wp.tracker.TryAdd(rj) {
		rj.finish()
		wp.logger.Debugw("Job still running, skipping fire", logger.FieldJobID, req.JobID)
		return false
	}

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		defer wp.tracker.Remove(rj)
		defer rj.finish()

		var resp *JobRunnerResponse
		start := wp.clock.Now()
		if err := wp.slots.Acquire(jobCtx, 1); err != nil {
			resp = Aborted("canceled while waiting for a worker slot")
		} else {
			wp.active.Inc()
			resp = wp.execute(jobCtx, rj, req.OnStart)
			wp.active.Dec()
			wp.slots.Release(1)
		}
		if req.OnDone != nil {
			req.OnDone(rj, resp, wp.clock.Since(start))
		}
	}()
	return true
}

// RunNow executes req on the calling goroutine, outside the worker slots.
// A job already running on this node is not started again.
func (wp *WorkerPool) RunNow(ctx context.Context, req FireRequest) *JobRunnerResponse {
	if wp.stopped.Load() {
		return Unavailable("worker pool is stopped")
	}

	rj, jobCtx := NewRunningJob(ctx, req.JobID, req.Config, wp.clock.Now(), true)
	defer rj.finish()
	if !wp.tracker.TryAdd(rj) {
		return Aborted(fmt.Sprintf("job %s is already running on this node", req.JobID))
	}
	defer wp.tracker.Remove(rj)

	start := wp.clock.Now()
	resp := wp.execute(jobCtx, rj, req.OnStart)
	if req.OnDone != nil {
		req.OnDone(rj, resp, wp.clock.Since(start))
	}
	return resp
}

// execute resolves the runner and converts whatever it does into a response.
func (wp *WorkerPool) execute(ctx context.Context, rj *RunningJob, onStart func(*RunningJob)) *JobRunnerResponse {
	key := rj.config.RunnerKey()
	runner, ok := wp.registry.Get(key)
	if !ok {
		wp.pulseLog.Warnw("No job runner registered",
			logger.FieldJobID, rj.jobID,
			logger.FieldRunnerKey, key)
		return Unavailable(fmt.Sprintf("no job runner registered for key %q", key))
	}

	if onStart != nil {
		onStart(rj)
	}
	ctx = logger.WithJobID(ctx, string(rj.jobID))
	req := &JobRunnerRequest{
		StartTime: rj.startTime,
		JobID:     rj.jobID,
		Config:    rj.config,
		running:   rj,
	}

	wp.pulseLog.Debugw("Job started", logger.FieldJobID, rj.jobID, logger.FieldRunnerKey, key)
	resp := normalize(invoke(ctx, runner, req), rj)
	wp.pulseLog.Infow("Job finished",
		logger.FieldJobID, rj.jobID,
		logger.FieldRunnerKey, key,
		logger.FieldOutcome, resp.Outcome.String(),
		"message", resp.Message)
	return resp
}

// invoke calls the runner, turning errors and panics into Failed.
func invoke(ctx context.Context, runner JobRunner, req *JobRunnerRequest) (resp *JobRunnerResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = FailedWithError(errors.Newf("panic: %v", r))
		}
	}()

	out, err := runner.RunJob(ctx, req)
	if err != nil {
		return FailedWithError(err)
	}
	if out == nil {
		return Success("")
	}
	return out
}

// normalize enforces the message rules: bounded length, and a non-blank
// message on Failed and Aborted.
func normalize(resp *JobRunnerResponse, rj *RunningJob) *JobRunnerResponse {
	out := *resp
	if util.IsBlank(out.Message) {
		switch out.Outcome {
		case OutcomeAborted:
			if rj.IsCancellationRequested() {
				out.Message = "job aborted after cancellation was requested"
			} else {
				out.Message = "job aborted without a reason"
			}
		case OutcomeFailed:
			out.Message = "job failed without a message"
		}
	}
	out.Message = util.Truncate(out.Message, MaxMessageLength)
	return &out
}

// Stop refuses new work and waits up to timeout for running jobs. Jobs still
// running after that are asked to cancel. Returns true if all jobs finished
// in time.
func (wp *WorkerPool) Stop(timeout time.Duration) bool {
	wp.mu.Lock()
	wp.stopped.Store(true)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		logger.AddPulseCloseSymbol(wp.logger).Infow("Worker pool stopped, all jobs finished")
		return true
	case <-wp.clock.After(timeout):
	}

	n := wp.tracker.CancelAll()
	wp.cancel()
	logger.AddPulseCloseSymbol(wp.logger).Warnw("Worker pool stop timed out, cancellation requested",
		"timeout", timeout, logger.FieldCount, n)
	return false
}

// Workers returns the number of worker slots.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the runner registry used by the pool.
func (wp *WorkerPool) Registry() *RunnerRegistry {
	return wp.registry
}

// Tracker returns the running-job tracker used by the pool.
func (wp *WorkerPool) Tracker() *Tracker {
	return wp.tracker
}
