package latch

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/atomic"
)

// Lease is one in-flight use of the gate's handle. Holders must Release it;
// they should also watch Done (or use Context for queries) so a forced drain
// can interrupt them.
type Lease struct {
	id     uint64
	gate   *Gate
	handle Handle
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	interrupted bool
	onInterrupt []func()

	released atomic.Bool
}

func newLease(parent context.Context, g *Gate, id uint64, h Handle) *Lease {
	// the acquire deadline must not bound the lease itself
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Lease{id: id, gate: g, handle: h, ctx: ctx, cancel: cancel}
}

// Handle returns the handle this lease was granted on.
func (l *Lease) Handle() Handle { return l.handle }

// DB is shorthand for Handle().DB().
func (l *Lease) DB() *sql.DB { return l.handle.DB() }

// Context is cancelled when the lease is force-drained or released.
func (l *Lease) Context() context.Context { return l.ctx }

// Done is closed when the lease is force-drained or released.
func (l *Lease) Done() <-chan struct{} { return l.ctx.Done() }

// OnInterrupt registers fn to run when a forced drain hits this lease.
// If that already happened, fn runs immediately.
func (l *Lease) OnInterrupt(fn func()) {
	l.mu.Lock()
	if l.interrupted {
		l.mu.Unlock()
		fn()
		return
	}
	l.onInterrupt = append(l.onInterrupt, fn)
	l.mu.Unlock()
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.cancel()
	l.gate.release(l.id)
}

func (l *Lease) interrupt() {
	l.mu.Lock()
	if l.interrupted {
		l.mu.Unlock()
		return
	}
	l.interrupted = true
	fns := l.onInterrupt
	l.onInterrupt = nil
	l.mu.Unlock()

	l.cancel()
	for _, fn := range fns {
		fn()
	}
}
