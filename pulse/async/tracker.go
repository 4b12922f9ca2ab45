package async

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/pulse/schedule"
)

// Tracker holds the jobs fired on this node and not yet finished.
// At most one execution per JobID is tracked.
type Tracker struct {
	mu   sync.Mutex
	jobs map[schedule.JobID]*RunningJob
	idle chan struct{} // closed while no job is tracked
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{jobs: make(map[schedule.JobID]*RunningJob), idle: idle}
}

// TryAdd tracks j unless its JobID is already running.
func (t *Tracker) TryAdd(j *RunningJob) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.jobs[j.jobID]; busy {
		return false
	}
	if len(t.jobs) == 0 {
		t.idle = make(chan struct{})
	}
	t.jobs[j.jobID] = j
	return true
}

// Remove stops tracking j. Only the tracked instance is removed.
func (t *Tracker) Remove(j *RunningJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.jobs[j.jobID]; !ok || cur != j {
		return
	}
	delete(t.jobs, j.jobID)
	if len(t.jobs) == 0 {
		close(t.idle)
	}
}

// Get returns the running execution of id.
func (t *Tracker) Get(id schedule.JobID) (*RunningJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return j, ok
}

// IsRunning reports whether id is running on this node.
func (t *Tracker) IsRunning(id schedule.JobID) bool {
	_, ok := t.Get(id)
	return ok
}

// Len returns the number of running jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Snapshot returns the running jobs ordered by start time.
func (t *Tracker) Snapshot() []*RunningJob {
	t.mu.Lock()
	jobs := make([]*RunningJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j)
	}
	t.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].startTime.Equal(jobs[b].startTime) {
			return jobs[a].jobID < jobs[b].jobID
		}
		return jobs[a].startTime.Before(jobs[b].startTime)
	})
	return jobs
}

// CancelAll requests cancellation of every running job.
func (t *Tracker) CancelAll() int {
	jobs := t.Snapshot()
	for _, j := range jobs {
		j.Cancel()
	}
	return len(jobs)
}

// WaitUntilIdle blocks until no job is running, for at most timeout.
// It returns true iff idle was observed. A zero timeout is an immediate
// check; a negative timeout is an error. ctx interrupts the wait.
func (t *Tracker) WaitUntilIdle(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		return false, errors.NewInvalidRequestError("negative idle timeout: %s", timeout)
	}

	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	if timeout == 0 {
		select {
		case <-idle:
			return true, nil
		default:
			return false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, errors.Wrap(ctx.Err(), "wait until idle")
	}
}
