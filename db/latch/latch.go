package latch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
)

// State of a Gate.
type State int

const (
	StateOpen State = iota
	StateLatched
	StateDraining
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateLatched:
		return "latched"
	case StateDraining:
		return "draining"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

var (
	ErrNotLatched     = errors.New("gate is not latched")
	ErrAlreadyLatched = errors.New("gate is already latched")
	ErrNotDrained     = errors.New("gate still has active leases")
	ErrDrainExhausted = errors.New("leases still active after forced drain")
	ErrClosed         = errors.New("gate is closed")
)

// Gate serialises access to the shared Handle.
//
// While open, Acquire hands out leases immediately. Latch stops new leases
// (Acquire blocks) without touching existing ones; Drain and ForceDrain wait
// for those to be released. Unlatch and UnlatchTo reopen the gate, the latter
// swapping the handle under the same lock that Acquire reads it with, so no
// caller ever sees a half-swapped resource.
type Gate struct {
	mu        sync.Mutex
	handle    Handle
	state     State
	closed    bool
	opened    chan struct{} // closed while the gate is open
	changed   chan struct{} // closed and replaced whenever a lease is released
	leases    map[uint64]*Lease
	nextID    uint64
	hooks     []Releasable
	observers []func(State)
	log       *zap.SugaredLogger
}

// NewGate returns an open gate over h.
func NewGate(h Handle, log *zap.SugaredLogger) *Gate {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opened := make(chan struct{})
	close(opened)
	return &Gate{
		handle:  h,
		state:   StateOpen,
		opened:  opened,
		changed: make(chan struct{}),
		leases:  make(map[uint64]*Lease),
		log:     logger.AddLatchSymbol(log.Named("latch")),
	}
}

// Acquire returns a lease on the current handle, blocking while the gate is
// latched. The wait is bounded by ctx.
func (g *Gate) Acquire(ctx context.Context) (*Lease, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrClosed
		}
		if g.state == StateOpen {
			g.nextID++
			l := newLease(ctx, g, g.nextID, g.handle)
			g.leases[l.id] = l
			g.mu.Unlock()
			return l, nil
		}
		wait := g.opened
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "acquire lease while latched")
		case <-wait:
		}
	}
}

// Latch stops new leases. Existing leases are unaffected.
func (g *Gate) Latch() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if g.state != StateOpen {
		return ErrAlreadyLatched
	}
	g.opened = make(chan struct{})
	g.setState(StateLatched)
	g.log.Infow("Gate latched", logger.FieldLeases, len(g.leases))
	return nil
}

// Drain waits up to timeout for active leases to be released naturally.
// Returns true iff none remain. On timeout the gate stays latched.
func (g *Gate) Drain(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := g.beginDrain(timeout); err != nil {
		return false, err
	}
	ok, err := g.waitForLeases(ctx, timeout)
	g.endDrain(ok)
	if !ok && err == nil {
		g.log.Warnw("Drain timed out", "timeout", timeout, logger.FieldLeases, g.ActiveLeases())
	}
	return ok, err
}

// ForceDrain interrupts every remaining lease (cancelling its context and
// running its interrupt callbacks) and waits up to timeout for the holders to
// release. Returns true iff none remain.
func (g *Gate) ForceDrain(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := g.beginDrain(timeout); err != nil {
		return false, err
	}

	g.mu.Lock()
	victims := make([]*Lease, 0, len(g.leases))
	for _, l := range g.leases {
		victims = append(victims, l)
	}
	g.mu.Unlock()

	if len(victims) > 0 {
		g.log.Warnw("Forcing drain", logger.FieldLeases, len(victims), "timeout", timeout)
	}
	for _, l := range victims {
		l.interrupt()
	}

	ok, err := g.waitForLeases(ctx, timeout)
	g.endDrain(ok)
	return ok, err
}

// Quiesce drains, escalates to a forced drain, and gives up with
// ErrDrainExhausted. The gate must already be latched and stays latched on
// failure; the caller decides when to unlatch.
func (g *Gate) Quiesce(ctx context.Context, drainTimeout, forceTimeout time.Duration) error {
	ok, err := g.Drain(ctx, drainTimeout)
	if err != nil {
		return errors.Wrap(err, "drain")
	}
	if ok {
		return nil
	}

	ok, err = g.ForceDrain(ctx, forceTimeout)
	if err != nil {
		return errors.Wrap(err, "force drain")
	}
	if ok {
		return nil
	}
	return errors.Wrapf(ErrDrainExhausted, "%d lease(s) held after %s + %s",
		g.ActiveLeases(), drainTimeout, forceTimeout)
}

// Unlatch reopens the gate on the same handle.
func (g *Gate) Unlatch() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateOpen {
		return ErrNotLatched
	}
	g.open()
	g.log.Infow("Gate unlatched")
	return nil
}

// UnlatchTo swaps in h and reopens the gate. The gate must be drained.
// Release hooks run before the swap. The previous handle is returned for
// the caller to close.
func (g *Gate) UnlatchTo(h Handle) (Handle, error) {
	if h == nil {
		return nil, errors.New("unlatch to nil handle")
	}

	g.mu.Lock()
	if err := g.swappableLocked(); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	hooks := append([]Releasable(nil), g.hooks...)
	g.mu.Unlock()

	for _, r := range hooks {
		r.Release()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.swappableLocked(); err != nil {
		return nil, err
	}
	old := g.handle
	g.handle = h
	g.open()
	g.log.Infow("Gate unlatched to new handle", "release_hooks", len(hooks))
	return old, nil
}

// Current returns the handle without taking a lease. Only the latch holder
// should use it; everyone else goes through Acquire.
func (g *Gate) Current() Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handle
}

// Register adds a hook run before every handle swap.
func (g *Gate) Register(r Releasable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, r)
}

// OnStateChange registers an observer called on every transition.
// Observers run under the gate lock and must not call back into the gate.
func (g *Gate) OnStateChange(fn func(State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, fn)
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ActiveLeases returns the number of unreleased leases.
func (g *Gate) ActiveLeases() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}

// Close wakes blocked acquirers with ErrClosed and closes the handle.
func (g *Gate) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	if g.state != StateOpen {
		g.open()
	}
	h := g.handle
	g.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close()
}

func (g *Gate) beginDrain(timeout time.Duration) error {
	if timeout < 0 {
		return errors.Newf("negative drain timeout: %s", timeout)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateOpen {
		return ErrNotLatched
	}
	g.setState(StateDraining)
	return nil
}

func (g *Gate) endDrain(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// an Unlatch during the wait wins
	if g.state != StateDraining {
		return
	}
	if ok {
		g.setState(StateDrained)
	} else {
		g.setState(StateLatched)
	}
}

func (g *Gate) waitForLeases(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		g.mu.Lock()
		remaining := len(g.leases)
		changed := g.changed
		g.mu.Unlock()

		if remaining == 0 {
			return true, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (g *Gate) release(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.leases[id]; !ok {
		return
	}
	delete(g.leases, id)
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Gate) swappableLocked() error {
	if g.closed {
		return ErrClosed
	}
	if g.state == StateOpen {
		return ErrNotLatched
	}
	if n := len(g.leases); n > 0 {
		return errors.Wrapf(ErrNotDrained, "%d lease(s) active", n)
	}
	return nil
}

// open must be called with mu held.
func (g *Gate) open() {
	g.setState(StateOpen)
	close(g.opened)
}

func (g *Gate) setState(s State) {
	if g.state == s {
		return
	}
	g.state = s
	for _, fn := range g.observers {
		fn(s)
	}
}
