package latch

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/warden/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandle struct {
	name   string
	closed atomic.Bool
}

func (f *fakeHandle) DB() *sql.DB { return nil }

func (f *fakeHandle) Schema(context.Context) (Schema, error) {
	return Schema{Tables: []Table{{Name: f.name, Columns: []string{"id"}}}}, nil
}

func (f *fakeHandle) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestGate(t *testing.T) (*Gate, *fakeHandle) {
	t.Helper()
	h := &fakeHandle{name: "primary"}
	return NewGate(h, zaptest.NewLogger(t).Sugar()), h
}

func TestAcquireAndRelease(t *testing.T) {
	g, h := newTestGate(t)

	l1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := g.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, h, l1.Handle())
	assert.Equal(t, 2, g.ActiveLeases())

	l1.Release()
	l1.Release() // idempotent
	assert.Equal(t, 1, g.ActiveLeases())

	l2.Release()
	assert.Equal(t, 0, g.ActiveLeases())

	select {
	case <-l1.Done():
	default:
		t.Fatal("released lease should report done")
	}
}

func TestLatchBlocksNewLeases(t *testing.T) {
	g, _ := newTestGate(t)
	require.NoError(t, g.Latch())
	assert.Equal(t, StateLatched, g.State())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	acquired := make(chan *Lease)
	go func() {
		l, err := g.Acquire(context.Background())
		if err == nil {
			acquired <- l
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire must block while latched")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, g.Unlatch())
	l, ok := <-acquired
	require.True(t, ok)
	l.Release()
}

func TestLatchKeepsExistingLeases(t *testing.T) {
	g, _ := newTestGate(t)
	l, err := g.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, g.Latch())
	assert.Equal(t, 1, g.ActiveLeases())

	select {
	case <-l.Done():
		t.Fatal("latch alone must not interrupt holders")
	default:
	}
	l.Release()
	require.NoError(t, g.Unlatch())
}

func TestStateErrors(t *testing.T) {
	g, _ := newTestGate(t)

	assert.ErrorIs(t, g.Unlatch(), ErrNotLatched)
	_, err := g.Drain(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNotLatched)
	_, err = g.UnlatchTo(&fakeHandle{})
	assert.ErrorIs(t, err, ErrNotLatched)

	require.NoError(t, g.Latch())
	assert.ErrorIs(t, g.Latch(), ErrAlreadyLatched)

	_, err = g.Drain(context.Background(), -time.Second)
	assert.Error(t, err)

	_, err = g.UnlatchTo(nil)
	assert.Error(t, err)

	require.NoError(t, g.Unlatch())
}

func TestDrainWithNoLeasesIsImmediate(t *testing.T) {
	g, _ := newTestGate(t)
	require.NoError(t, g.Latch())

	ok, err := g.Drain(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateDrained, g.State())
	require.NoError(t, g.Unlatch())
}

func TestDrainWaitsForNaturalRelease(t *testing.T) {
	g, _ := newTestGate(t)
	l, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.Latch())

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Release()
	}()

	ok, err := g.Drain(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateDrained, g.State())
	require.NoError(t, g.Unlatch())
}

// A busy holder ignores the soft drain but gives up its lease when
// interrupted: the forced drain succeeds and the operation may proceed.
func TestForceDrainInterruptsCooperativeHolder(t *testing.T) {
	g, _ := newTestGate(t)
	l, err := g.Acquire(context.Background())
	require.NoError(t, err)

	interrupted := atomic.NewBool(false)
	l.OnInterrupt(func() { interrupted.Store(true) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-l.Done()
		l.Release()
	}()

	require.NoError(t, g.Latch())

	ok, err := g.Drain(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateLatched, g.State())

	ok, err = g.ForceDrain(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, interrupted.Load())
	assert.Equal(t, StateDrained, g.State())

	wg.Wait()
	require.NoError(t, g.Unlatch())
}

// A holder that ignores interruption exhausts both drains: the gate stays
// latched and Quiesce reports the fatal condition.
func TestQuiesceExhaustedLeavesGateLatched(t *testing.T) {
	g, _ := newTestGate(t)
	stubborn, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.Latch())

	err = g.Quiesce(context.Background(), 20*time.Millisecond, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDrainExhausted)
	assert.Equal(t, StateLatched, g.State())
	assert.Equal(t, 1, g.ActiveLeases())

	stubborn.Release()
	require.NoError(t, g.Unlatch())
}

func TestQuiesceEscalatesToForceDrain(t *testing.T) {
	g, _ := newTestGate(t)
	l, err := g.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		<-l.Done()
		l.Release()
	}()

	require.NoError(t, g.Latch())
	require.NoError(t, g.Quiesce(context.Background(), 20*time.Millisecond, time.Second))
	assert.Equal(t, StateDrained, g.State())
	require.NoError(t, g.Unlatch())
}

func TestOnInterruptAfterInterruptRunsImmediately(t *testing.T) {
	g, _ := newTestGate(t)
	l, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.Latch())

	_, err = g.ForceDrain(context.Background(), 0)
	require.NoError(t, err)

	ran := false
	l.OnInterrupt(func() { ran = true })
	assert.True(t, ran)

	l.Release()
	require.NoError(t, g.Unlatch())
}

func TestUnlatchToSwapsHandle(t *testing.T) {
	g, old := newTestGate(t)
	replacement := &fakeHandle{name: "replacement"}

	var order []string
	g.Register(ReleaseFunc(func() {
		// hooks run before the swap
		assert.Same(t, old, g.Current())
		order = append(order, "release")
	}))

	require.NoError(t, g.Latch())

	got := make(chan Handle, 1)
	go func() {
		l, err := g.Acquire(context.Background())
		if err != nil {
			close(got)
			return
		}
		got <- l.Handle()
		l.Release()
	}()

	ok, err := g.Drain(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	prev, err := g.UnlatchTo(replacement)
	require.NoError(t, err)
	order = append(order, "swapped")

	assert.Same(t, old, prev)
	assert.Same(t, replacement, g.Current())
	assert.Equal(t, StateOpen, g.State())
	assert.Same(t, replacement, <-got, "a blocked acquirer only ever sees the new handle")
	assert.Equal(t, []string{"release", "swapped"}, order)
}

func TestUnlatchToRefusesWithActiveLeases(t *testing.T) {
	g, _ := newTestGate(t)
	l, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.Latch())

	_, err = g.UnlatchTo(&fakeHandle{})
	assert.ErrorIs(t, err, ErrNotDrained)

	l.Release()
	require.NoError(t, g.Unlatch())
}

func TestOnStateChange(t *testing.T) {
	g, _ := newTestGate(t)
	var states []State
	g.OnStateChange(func(s State) { states = append(states, s) })

	require.NoError(t, g.Latch())
	_, err := g.Drain(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Unlatch())

	assert.Equal(t, []State{StateLatched, StateDraining, StateDrained, StateOpen}, states)
}

func TestCloseWakesWaiters(t *testing.T) {
	g, h := newTestGate(t)
	require.NoError(t, g.Latch())

	errs := make(chan error, 1)
	go func() {
		_, err := g.Acquire(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, g.Close())
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.True(t, h.closed.Load())

	assert.NoError(t, g.Close())
	assert.ErrorIs(t, g.Latch(), ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "latched", StateLatched.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "drained", StateDrained.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSchemaHelpers(t *testing.T) {
	s := Schema{Tables: []Table{{Name: "a"}, {Name: "b", Columns: []string{"x"}}}}
	assert.Equal(t, []string{"a", "b"}, s.TableNames())

	tbl, ok := s.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, tbl.Columns)

	_, ok = s.Lookup("missing")
	assert.False(t, ok)
}
