package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/pulse"
)

// State of a maintenance task.
type State int

const (
	StateInit State = iota
	StateStarted
	StateRunningPhase
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarted:
		return "started"
	case StateRunningPhase:
		return "running_phase"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Handoff carries a replacement handle from a step to the task. Once a step
// stages a handle the gate is switched to it when the task releases the
// latch, whatever the outcome.
type Handoff struct {
	mu sync.Mutex
	h  latch.Handle
}

// Stage sets the handle the gate switches to.
func (h *Handoff) Stage(handle latch.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.h = handle
}

// Staged returns the staged handle, if any.
func (h *Handoff) Staged() latch.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.h
}

// TaskConfig wires a task to its collaborators.
type TaskConfig struct {
	Operation         string
	Gate              *latch.Gate
	Bus               *EventBus
	DrainTimeout      time.Duration
	ForceDrainTimeout time.Duration
	Clock             clock.Clock
	Log               *zap.SugaredLogger
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Bus == nil {
		c.Bus = NewEventBus()
	}
	if c.Log == nil {
		c.Log = zap.NewNop().Sugar()
	}
	return c
}

// Task runs one maintenance operation: publish Started, latch and drain the
// database, run the phase, release the latch, publish the outcome.
//
// The latch is always released before the terminal event is published,
// including when the phase fails, is canceled or panics.
type Task struct {
	id        string
	operation string
	phase     *Phase
	handoff   *Handoff
	gate      *latch.Gate
	bus       *EventBus
	clock     clock.Clock
	drain     time.Duration
	force     time.Duration

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc

	canceled atomic.Bool
	log      *zap.SugaredLogger
}

// NewTask creates a task in StateInit. handoff may be nil when the
// operation never replaces the database.
func NewTask(cfg TaskConfig, phase *Phase, handoff *Handoff) *Task {
	cfg = cfg.withDefaults()
	if handoff == nil {
		handoff = &Handoff{}
	}
	id := uuid.NewString()
	return &Task{
		id:        id,
		operation: cfg.Operation,
		phase:     phase,
		handoff:   handoff,
		gate:      cfg.Gate,
		bus:       cfg.Bus,
		clock:     cfg.Clock,
		drain:     cfg.DrainTimeout,
		force:     cfg.ForceDrainTimeout,
		log: logger.AddPhaseSymbol(cfg.Log.Named("maintenance")).With(
			logger.FieldTaskID, id,
			logger.FieldOperation, cfg.Operation),
	}
}

func (t *Task) ID() string { return t.id }
func (t *Task) Operation() string { return t.operation }
func (t *Task) Phase() *Phase { return t.phase }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error the task ended with.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Progress is the phase progress, 100 once the task succeeded.
func (t *Task) Progress() pulse.Progress {
	if t.State() == StateSucceeded {
		return pulse.Progress{Percentage: 100}
	}
	return t.phase.Progress()
}

// Cancel requests cancellation. A task canceled before Run ends Canceled
// without touching the database.
func (t *Task) Cancel() {
	t.canceled.Store(true)
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.phase.Cancel()
}

// Run executes the task on the calling goroutine. It can run only once.
func (t *Task) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.state != StateInit {
		t.mu.Unlock()
		return errors.Newf("task %s already ran", t.id)
	}
	t.state = StateStarted
	t.cancel = cancel
	t.mu.Unlock()

	t.log.Infow("Maintenance task started")
	t.publish(EventStarted, nil)

	latched := false
	defer func() {
		if r := recover(); r != nil {
			err = errors.AssertionFailedf("maintenance task panicked: %v", r)
		}
		if latched {
			t.release()
		}
		err = t.finish(err)
	}()

	if t.canceled.Load() {
		return canceledf("task canceled before start")
	}
	if err := t.gate.Latch(); err != nil {
		return errors.Wrap(err, "latch database")
	}
	latched = true

	if err := t.gate.Quiesce(ctx, t.drain, t.force); err != nil {
		if t.canceled.Load() || ctx.Err() != nil {
			return errors.Mark(err, ErrCanceled)
		}
		return errors.WithHint(err, "something kept using the database; retry when it is idle")
	}

	t.setState(StateRunningPhase)
	return t.phase.Run(ctx)
}

// release reopens the gate, switching to a staged handle if a step left one.
func (t *Task) release() {
	staged := t.handoff.Staged()
	if staged == nil {
		if err := t.gate.Unlatch(); err != nil {
			t.log.Errorw("Failed to unlatch database", logger.FieldError, err)
		}
		return
	}

	old, err := t.gate.UnlatchTo(staged)
	if err != nil {
		// leases that outlived a failed drain keep the old handle in place
		t.log.Errorw("Failed to switch database handle, keeping the current one", logger.FieldError, err)
		_ = staged.Close()
		if err := t.gate.Unlatch(); err != nil {
			t.log.Errorw("Failed to unlatch database", logger.FieldError, err)
		}
		return
	}
	if old != nil && old != staged {
		if err := old.Close(); err != nil {
			t.log.Warnw("Failed to close previous database handle", logger.FieldError, err)
		}
	}
}

// finish records the terminal state and publishes its event.
func (t *Task) finish(err error) error {
	state, kind := StateSucceeded, EventSucceeded
	switch {
	case err == nil:
	case IsCanceled(err):
		state, kind = StateCanceled, EventCanceled
		err = errors.Mark(err, ErrCanceled)
	default:
		state, kind = StateFailed, EventFailed
	}

	t.mu.Lock()
	t.state = state
	t.err = err
	t.cancel = nil
	t.mu.Unlock()

	switch state {
	case StateSucceeded:
		t.log.Infow("Maintenance task succeeded")
	case StateCanceled:
		t.log.Warnw("Maintenance task canceled", logger.FieldError, err)
	default:
		t.log.Errorw("Maintenance task failed", logger.FieldError, err)
	}
	t.publish(kind, err)
	return err
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) publish(kind EventKind, err error) {
	t.bus.Publish(Event{
		Kind:      kind,
		TaskID:    t.id,
		Operation: t.operation,
		Time:      t.clock.Now(),
		Err:       err,
	})
}
