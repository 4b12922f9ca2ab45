package async

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/teranos/warden/pulse/schedule"
)

// RunningJob is one execution in flight on this node.
type RunningJob struct {
	jobID     schedule.JobID
	config    schedule.JobConfig
	startTime time.Time
	manual    bool

	cancelRequested atomic.Bool
	cancelCtx       context.CancelFunc
}

// NewRunningJob creates the handle and the context the runner executes with.
func NewRunningJob(parent context.Context, id schedule.JobID, cfg schedule.JobConfig, start time.Time, manual bool) (*RunningJob, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &RunningJob{
		jobID:     id,
		config:    cfg,
		startTime: start,
		manual:    manual,
		cancelCtx: cancel,
	}, ctx
}

func (j *RunningJob) JobID() schedule.JobID { return j.jobID }
func (j *RunningJob) Config() schedule.JobConfig { return j.config }
func (j *RunningJob) StartTime() time.Time { return j.startTime }
func (j *RunningJob) Manual() bool { return j.manual }

// Cancel requests cooperative cancellation. The request is permanent; the
// runner's context is cancelled too, but the runner decides when to stop.
func (j *RunningJob) Cancel() {
	j.cancelRequested.Store(true)
	j.cancelCtx()
}

// IsCancellationRequested reports whether Cancel was ever called.
func (j *RunningJob) IsCancellationRequested() bool {
	return j.cancelRequested.Load()
}

func (j *RunningJob) finish() {
	j.cancelCtx()
}
