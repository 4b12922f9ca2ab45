package latch

import (
	"context"
	"sync"
)

// Cached holds a value derived from the gate's handle. A swap drops the value
// through Release; the next Get refetches from the new handle, blocking while
// the gate is still latched.
type Cached[T any] struct {
	gate  *Gate
	fetch func(ctx context.Context, h Handle) (T, error)

	mu    sync.Mutex
	gen   uint64
	valid bool
	value T
}

// NewCached registers a lazily fetched value with g.
func NewCached[T any](g *Gate, fetch func(ctx context.Context, h Handle) (T, error)) *Cached[T] {
	c := &Cached[T]{gate: g, fetch: fetch}
	g.Register(c)
	return c
}

// Get returns the cached value, fetching it under a lease when stale.
func (c *Cached[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	if c.valid {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	gen := c.gen
	c.mu.Unlock()

	var zero T
	lease, err := c.gate.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer lease.Release()

	v, err := c.fetch(ctx, lease.Handle())
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	// a Release during the fetch means v may come from the old handle
	if c.gen == gen {
		c.value = v
		c.valid = true
	}
	c.mu.Unlock()
	return v, nil
}

// Release drops the value. It never refetches.
func (c *Cached[T]) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.gen++
	c.valid = false
	c.value = zero
}
