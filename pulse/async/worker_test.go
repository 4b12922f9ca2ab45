package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/pulse/schedule"
)

// ============================================================================
// TAS Bot (Tool-Assisted Speedrun) & Kirby Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: Frame-perfect coordinator who fires jobs with precision timing
//   - Kirby: The worker who copies and executes jobs ('Poyo!')
//   - Cronos: Greek god of time, appears for timing-sensitive tests
//
// Theme: TAS Bot coordinates the perfect speedrun while Kirby executes jobs
// with copy abilities. Cronos ensures timing is frame-perfect.
// ============================================================================

func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testConfig(key string) schedule.JobConfig {
	return schedule.NewJobConfig(schedule.JobRunnerKey(key), schedule.Once(time.Unix(1_700_000_000, 0)))
}

func newTestPool(t *testing.T, workers int) (*WorkerPool, *RunnerRegistry, *Tracker) {
	t.Helper()
	reg := NewRunnerRegistry()
	tracker := NewTracker()
	pool := NewWorkerPool(reg, tracker, WorkerPoolConfig{Workers: workers}, createTestLogger(), clock.New())
	t.Cleanup(func() { pool.Stop(time.Second) })
	return pool, reg, tracker
}

// collect returns an OnDone callback that records the response.
func collect() (func(*RunningJob, *JobRunnerResponse, time.Duration), <-chan *JobRunnerResponse) {
	ch := make(chan *JobRunnerResponse, 1)
	return func(_ *RunningJob, resp *JobRunnerResponse, _ time.Duration) { ch <- resp }, ch
}

func waitResponse(t *testing.T, ch <-chan *JobRunnerResponse) *JobRunnerResponse {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("job never finished")
		return nil
	}
}

func TestTASBotInitializesWorkerPool(t *testing.T) {
	t.Log("🎮 TAS Bot begins frame-perfect worker pool initialization...")

	pool, _, _ := newTestPool(t, 3)
	assert.Equal(t, 3, pool.Workers())

	defaulted := NewWorkerPool(NewRunnerRegistry(), NewTracker(), WorkerPoolConfig{}, nil, nil)
	defer defaulted.Stop(time.Second)
	assert.Equal(t, DefaultWorkerPoolConfig().Workers, defaulted.Workers())

	t.Log("✓ TAS Bot initialized worker pool")
}

func TestKirbyExecutesJobs(t *testing.T) {
	t.Log("⭐ Kirby prepares to execute jobs with copy ability... 'Poyo!'")

	pool, reg, tracker := newTestPool(t, 2)
	var gotParam string
	reg.Register("kirby.inhale", JobRunnerFunc(func(ctx context.Context, req *JobRunnerRequest) (*JobRunnerResponse, error) {
		gotParam, _ = req.Config.Parameter("ability")
		return Success("copied " + gotParam), nil
	}))

	onDone, done := collect()
	cfg := testConfig("kirby.inhale").WithParameters(map[string]string{"ability": "sword"})
	require.True(t, pool.Submit(FireRequest{JobID: "inhale-1", Config: cfg, OnDone: onDone}))

	resp := waitResponse(t, done)
	assert.Equal(t, OutcomeSuccess, resp.Outcome)
	assert.Equal(t, "copied sword", resp.Message)
	assert.Equal(t, "sword", gotParam)

	idle, err := tracker.WaitUntilIdle(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestKirbyNilResponseMeansSuccess(t *testing.T) {
	pool, reg, _ := newTestPool(t, 1)
	reg.Register("kirby.float", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		return nil, nil
	}))

	resp := pool.RunNow(context.Background(), FireRequest{JobID: "float", Config: testConfig("kirby.float")})
	assert.Equal(t, OutcomeSuccess, resp.Outcome)
	assert.Empty(t, resp.Message)
}

func TestKirbyErrorAndPanicBecomeFailed(t *testing.T) {
	pool, reg, _ := newTestPool(t, 1)
	reg.Register("kirby.error", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		return Success("ignored"), errors.Wrap(errors.New("star block"), "inhale")
	}))
	reg.Register("kirby.panic", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		panic("King Dedede")
	}))

	resp := pool.RunNow(context.Background(), FireRequest{JobID: "err", Config: testConfig("kirby.error")})
	assert.Equal(t, OutcomeFailed, resp.Outcome)
	assert.Contains(t, resp.Message, "inhale")
	assert.Contains(t, resp.Message, "star block")

	resp = pool.RunNow(context.Background(), FireRequest{JobID: "panic", Config: testConfig("kirby.panic")})
	assert.Equal(t, OutcomeFailed, resp.Outcome)
	assert.Contains(t, resp.Message, "panic: King Dedede")
}

func TestTASBotUnknownRunnerIsUnavailable(t *testing.T) {
	t.Log("🎮 TAS Bot fires a job nobody knows how to run")

	pool, _, _ := newTestPool(t, 1)
	started := false
	resp := pool.RunNow(context.Background(), FireRequest{
		JobID:   "ghost",
		Config:  testConfig("nobody.home"),
		OnStart: func(*RunningJob) { started = true },
	})
	assert.Equal(t, OutcomeUnavailable, resp.Outcome)
	assert.Contains(t, resp.Message, "nobody.home")
	assert.False(t, started, "OnStart must not run without a runner")
}

func TestKirbyBlankMessagesGetDefaults(t *testing.T) {
	pool, reg, _ := newTestPool(t, 1)
	reg.Register("kirby.fail", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		return Failed("  "), nil
	}))
	reg.Register("kirby.abort", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		return Aborted(""), nil
	}))

	resp := pool.RunNow(context.Background(), FireRequest{JobID: "f", Config: testConfig("kirby.fail")})
	assert.Equal(t, "job failed without a message", resp.Message)

	resp = pool.RunNow(context.Background(), FireRequest{JobID: "a", Config: testConfig("kirby.abort")})
	assert.Equal(t, "job aborted without a reason", resp.Message)
}

func TestKirbyNeverRunsSameJobTwice(t *testing.T) {
	t.Log("⭐ Kirby cannot inhale the same enemy twice")

	pool, reg, tracker := newTestPool(t, 4)
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	reg.Register("kirby.hold", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		entered <- struct{}{}
		<-release
		return Success(""), nil
	}))

	onDone, done := collect()
	cfg := testConfig("kirby.hold")
	require.True(t, pool.Submit(FireRequest{JobID: "waddle-dee", Config: cfg, OnDone: onDone}))
	<-entered

	assert.False(t, pool.Submit(FireRequest{JobID: "waddle-dee", Config: cfg}))
	resp := pool.RunNow(context.Background(), FireRequest{JobID: "waddle-dee", Config: cfg})
	assert.Equal(t, OutcomeAborted, resp.Outcome)
	assert.True(t, tracker.IsRunning("waddle-dee"))

	close(release)
	waitResponse(t, done)
	idle, err := tracker.WaitUntilIdle(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestCronosBoundsConcurrency(t *testing.T) {
	t.Log("⏰ Cronos counts how many Kirbys run at once")

	pool, reg, _ := newTestPool(t, 2)
	var mu sync.Mutex
	current, peak := 0, 0
	release := make(chan struct{})
	reg.Register("kirby.crowd", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		<-release
		mu.Lock()
		current--
		mu.Unlock()
		return nil, nil
	}))

	var wg sync.WaitGroup
	for _, id := range []schedule.JobID{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		require.True(t, pool.Submit(FireRequest{
			JobID:  id,
			Config: testConfig("kirby.crowd"),
			OnDone: func(*RunningJob, *JobRunnerResponse, time.Duration) { wg.Done() },
		}))
	}

	assert.Eventually(t, func() bool {
		return pool.SystemMetrics().WorkersActive == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, pool.SystemMetrics().JobsRunning)

	close(release)
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}

func TestKirbyCooperativeCancel(t *testing.T) {
	t.Log("⭐ TAS Bot asks Kirby to stop; Kirby decides when")

	pool, reg, tracker := newTestPool(t, 1)
	entered := make(chan struct{})
	reg.Register("kirby.loop", JobRunnerFunc(func(ctx context.Context, req *JobRunnerRequest) (*JobRunnerResponse, error) {
		close(entered)
		for !req.IsCancellationRequested() {
			time.Sleep(time.Millisecond)
		}
		assert.Error(t, ctx.Err())
		return Aborted(""), nil
	}))

	onDone, done := collect()
	require.True(t, pool.Submit(FireRequest{JobID: "loop", Config: testConfig("kirby.loop"), OnDone: onDone}))
	<-entered

	rj, ok := tracker.Get("loop")
	require.True(t, ok)
	rj.Cancel()

	resp := waitResponse(t, done)
	assert.Equal(t, OutcomeAborted, resp.Outcome)
	assert.Equal(t, "job aborted after cancellation was requested", resp.Message)
	assert.True(t, rj.IsCancellationRequested())
}

func TestCronosStopTimesOutAndCancels(t *testing.T) {
	t.Log("⏰ Cronos will not wait forever for a stubborn job")

	reg := NewRunnerRegistry()
	tracker := NewTracker()
	pool := NewWorkerPool(reg, tracker, WorkerPoolConfig{Workers: 1}, createTestLogger(), clock.New())

	entered := make(chan struct{})
	reg.Register("kirby.stubborn", JobRunnerFunc(func(ctx context.Context, req *JobRunnerRequest) (*JobRunnerResponse, error) {
		close(entered)
		<-ctx.Done()
		return Aborted("stopped"), nil
	}))

	onDone, done := collect()
	require.True(t, pool.Submit(FireRequest{JobID: "stubborn", Config: testConfig("kirby.stubborn"), OnDone: onDone}))
	<-entered

	assert.False(t, pool.Stop(20*time.Millisecond))
	assert.Equal(t, OutcomeAborted, waitResponse(t, done).Outcome)
	assert.False(t, pool.Submit(FireRequest{JobID: "late", Config: testConfig("kirby.stubborn")}))
	assert.Equal(t, OutcomeUnavailable, pool.RunNow(context.Background(), FireRequest{JobID: "late", Config: testConfig("kirby.stubborn")}).Outcome)
}

func TestCronosStopTimeoutFollowsClock(t *testing.T) {
	t.Log("⏰ Only Cronos decides when the stop timeout has passed")

	mock := clock.NewMock()
	reg := NewRunnerRegistry()
	pool := NewWorkerPool(reg, NewTracker(), WorkerPoolConfig{Workers: 1}, createTestLogger(), mock)

	entered := make(chan struct{})
	reg.Register("kirby.stubborn", JobRunnerFunc(func(ctx context.Context, req *JobRunnerRequest) (*JobRunnerResponse, error) {
		close(entered)
		<-ctx.Done()
		return Aborted("stopped"), nil
	}))
	onDone, done := collect()
	require.True(t, pool.Submit(FireRequest{JobID: "stubborn", Config: testConfig("kirby.stubborn"), OnDone: onDone}))
	<-entered

	stopped := make(chan bool, 1)
	go func() { stopped <- pool.Stop(time.Minute) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the clock reached its timeout")
	case <-time.After(50 * time.Millisecond):
	}

	var finished bool
	for i := 0; i < 100 && !finished; i++ {
		mock.Add(time.Minute)
		select {
		case ok := <-stopped:
			assert.False(t, ok)
			finished = true
		case <-time.After(20 * time.Millisecond):
		}
	}
	require.True(t, finished, "Stop never returned")
	assert.Equal(t, OutcomeAborted, waitResponse(t, done).Outcome)
}

func TestCronosElapsedUsesClock(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRunnerRegistry()
	pool := NewWorkerPool(reg, NewTracker(), WorkerPoolConfig{Workers: 1}, createTestLogger(), mock)
	defer pool.Stop(time.Second)

	reg.Register("cronos.tick", JobRunnerFunc(func(context.Context, *JobRunnerRequest) (*JobRunnerResponse, error) {
		mock.Add(1500 * time.Millisecond)
		return nil, nil
	}))

	var elapsed time.Duration
	var start time.Time
	pool.RunNow(context.Background(), FireRequest{
		JobID:  "tick",
		Config: testConfig("cronos.tick"),
		OnDone: func(j *RunningJob, _ *JobRunnerResponse, d time.Duration) {
			elapsed = d
			start = j.StartTime()
		},
	})
	assert.Equal(t, 1500*time.Millisecond, elapsed)
	assert.True(t, start.Equal(time.Unix(0, 0)))
}
