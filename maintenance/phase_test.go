package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/warden/errors"
)

// ============================================================================
// Halberd Repair Crew
// ============================================================================
//
//   - Meta Knight: plans the repair as a phase of weighted steps
//   - Sword & Blade Knights: do the actual work, one step each
//   - Kirby: shows up mid-repair and cancels things
// ============================================================================

// gatedStep reaches a given row count, signals, and waits to be released.
func gatedStep(name string, total, reach int64, reached chan<- struct{}, proceed <-chan struct{}) *FuncStep {
	return NewStep(name, func(ctx context.Context, s *BaseStep) error {
		s.Monitor().Started(total)
		for i := int64(0); i < reach; i++ {
			s.Monitor().Increment()
		}
		if reached != nil {
			reached <- struct{}{}
		}
		if proceed != nil {
			select {
			case <-proceed:
			case <-ctx.Done():
				return canceledf("interrupted")
			}
		}
		return s.Check(ctx)
	})
}

func countingStep(name string, runs *atomic.Int32) *FuncStep {
	return NewStep(name, func(context.Context, *BaseStep) error {
		runs.Inc()
		return nil
	})
}

func TestMetaKnightWeightedProgress(t *testing.T) {
	reached := make(chan struct{})
	proceed := make(chan struct{})
	var cRuns atomic.Int32

	phase := NewPhase("halberd", zaptest.NewLogger(t).Sugar()).
		MustAdd(gatedStep("sword", 2, 1, reached, proceed), 2).
		MustAdd(gatedStep("blade", 4, 4, nil, nil), 3).
		MustAdd(countingStep("sweep", &cRuns), 0)

	assert.Equal(t, 0, phase.Progress().Percentage, "nothing started yet")

	done := make(chan error, 1)
	go func() { done <- phase.Run(context.Background()) }()

	<-reached
	// sword at 50%, blade and sweep not started: floor(2/5 * 50)
	assert.Equal(t, 20, phase.Progress().Percentage)

	close(proceed)
	require.NoError(t, <-done)
	assert.Equal(t, 100, phase.Progress().Percentage)
	assert.Equal(t, int32(1), cRuns.Load(), "weight-0 steps still run")
}

func TestMetaKnightProgressNeverDecreases(t *testing.T) {
	weights := [][]int{{1}, {0, 5}, {3, 3, 3}, {7, 0, 1, 2}, {100, 1}}
	for _, ws := range weights {
		phase := NewPhase("monotone", zaptest.NewLogger(t).Sugar())
		for _, w := range ws {
			phase.MustAdd(NewStep("step", func(_ context.Context, s *BaseStep) error {
				s.Monitor().Started(10)
				for r := 0; r < 10; r++ {
					s.Monitor().Increment()
				}
				return nil
			}), w)
		}

		var seen []int
		var stop atomic.Bool
		sampled := make(chan struct{})
		go func() {
			defer close(sampled)
			for !stop.Load() {
				seen = append(seen, phase.Progress().Percentage)
				time.Sleep(100 * time.Microsecond)
			}
		}()
		require.NoError(t, phase.Run(context.Background()))
		stop.Store(true)
		<-sampled
		seen = append(seen, phase.Progress().Percentage)

		for i := 1; i < len(seen); i++ {
			assert.GreaterOrEqual(t, seen[i], seen[i-1], "weights %v", ws)
			assert.LessOrEqual(t, seen[i], 100, "weights %v", ws)
		}
		assert.Equal(t, 100, seen[len(seen)-1], "weights %v", ws)
	}
}

func TestMetaKnightAllZeroWeights(t *testing.T) {
	phase := NewPhase("weightless", zaptest.NewLogger(t).Sugar()).
		MustAdd(NewStep("a", func(context.Context, *BaseStep) error { return nil }), 0).
		MustAdd(NewStep("b", func(context.Context, *BaseStep) error { return nil }), 0)

	assert.Equal(t, 0, phase.Progress().Percentage)
	require.NoError(t, phase.Run(context.Background()))
	assert.Equal(t, 100, phase.Progress().Percentage)
}

func TestMetaKnightFirstFailureStopsPhase(t *testing.T) {
	var firstRuns, thirdRuns atomic.Int32
	boom := errors.New("mast snapped")

	phase := NewPhase("halberd", zaptest.NewLogger(t).Sugar()).
		MustAdd(countingStep("sword", &firstRuns), 1).
		MustAdd(NewStep("blade", func(context.Context, *BaseStep) error { return boom }), 1).
		MustAdd(countingStep("sweep", &thirdRuns), 1)

	err := phase.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "step blade")
	assert.False(t, IsCanceled(err))

	assert.Equal(t, int32(1), firstRuns.Load())
	assert.Equal(t, int32(0), thirdRuns.Load(), "steps after a failure never run")
	assert.Equal(t, 33, phase.Progress().Percentage, "finished step keeps its share")
}

func TestKirbyCancelsRunningStep(t *testing.T) {
	started := make(chan struct{})
	var sweepRuns atomic.Int32

	phase := NewPhase("halberd", zaptest.NewLogger(t).Sugar()).
		MustAdd(NewStep("sword", func(ctx context.Context, s *BaseStep) error {
			close(started)
			for {
				if err := s.Check(ctx); err != nil {
					return err
				}
				time.Sleep(time.Millisecond)
			}
		}), 1).
		MustAdd(countingStep("sweep", &sweepRuns), 1)

	done := make(chan error, 1)
	go func() { done <- phase.Run(context.Background()) }()
	<-started
	phase.Cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsCanceled(err), "cancellation must be distinguishable: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("step ignored cancellation")
	}
	assert.Equal(t, int32(0), sweepRuns.Load())
}

func TestKirbyCancelsBeforeRun(t *testing.T) {
	var runs atomic.Int32
	phase := NewPhase("halberd", zaptest.NewLogger(t).Sugar()).MustAdd(countingStep("sword", &runs), 1)
	phase.Cancel()

	err := phase.Run(context.Background())
	assert.True(t, IsCanceled(err))
	assert.Equal(t, int32(0), runs.Load())
}

func TestPhaseRejectsBadRegistration(t *testing.T) {
	phase := NewPhase("halberd", zaptest.NewLogger(t).Sugar())
	assert.Error(t, phase.Add(NewStep("negative", nil), -1))

	require.NoError(t, phase.Add(NewStep("ok", func(context.Context, *BaseStep) error { return nil }), 1))
	require.NoError(t, phase.Run(context.Background()))
	assert.Error(t, phase.Add(NewStep("late", nil), 1), "no additions after start")
	assert.Error(t, phase.Run(context.Background()), "a phase runs once")
	assert.Len(t, phase.Steps(), 1)
}
