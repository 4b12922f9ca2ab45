package schedule

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/warden/errors"
	wardentest "github.com/teranos/warden/internal/testing"
)

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore(wardentest.CreateTestDB(t))

	exec := &Execution{
		ID:        "exec-1",
		JobID:     "nightly",
		RunnerKey: "maintenance.backup",
		NodeID:    "node-a",
		StartedAt: epoch,
	}
	require.NoError(t, store.Create(ctx, exec))

	list, err := store.ListByJob(ctx, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Running())
	assert.False(t, list[0].Manual)

	require.NoError(t, store.Finish(ctx, "exec-1", epoch.Add(1500*time.Millisecond), "failed", "boom"))

	list, err = store.ListByJob(ctx, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.False(t, got.Running())
	assert.Equal(t, "failed", got.Outcome)
	assert.Equal(t, "boom", got.Message)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(1500), *got.DurationMS)
	assert.Equal(t, JobRunnerKey("maintenance.backup"), got.RunnerKey)
}

func TestFinishUnknownExecution(t *testing.T) {
	store := NewExecutionStore(wardentest.CreateTestDB(t))
	err := store.Finish(context.Background(), "ghost", epoch, "success", "")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListByJobNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore(wardentest.CreateTestDB(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, &Execution{
			ID:        fmt.Sprintf("exec-%d", i),
			JobID:     "job",
			RunnerKey: "k",
			NodeID:    "n",
			Manual:    i == 4,
			StartedAt: epoch.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := store.ListByJob(ctx, "job", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "exec-4", list[0].ID)
	assert.True(t, list[0].Manual)
	assert.Equal(t, "exec-3", list[1].ID)

	all, err := store.ListByJob(ctx, "job", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore(wardentest.CreateTestDB(t))

	require.NoError(t, store.Create(ctx, &Execution{ID: "old", JobID: "job", RunnerKey: "k", NodeID: "n", StartedAt: epoch}))
	require.NoError(t, store.Finish(ctx, "old", epoch.Add(time.Second), "success", ""))
	require.NoError(t, store.Create(ctx, &Execution{ID: "running", JobID: "job", RunnerKey: "k", NodeID: "n", StartedAt: epoch}))
	require.NoError(t, store.Create(ctx, &Execution{ID: "new", JobID: "job", RunnerKey: "k", NodeID: "n", StartedAt: epoch.Add(time.Hour)}))
	require.NoError(t, store.Finish(ctx, "new", epoch.Add(time.Hour+time.Second), "success", ""))

	n, err := store.PruneBefore(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListByJob(ctx, "job", 0)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
