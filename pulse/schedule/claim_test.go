package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/warden/errors"
	wardentest "github.com/teranos/warden/internal/testing"
	"github.com/teranos/warden/internal/util"
)

// Three nodes share one database file and race for the same occurrence.
func TestClaimHasExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	path := wardentest.TestDBPath(t)
	nodes := []string{"node-a", "node-b", "node-c"}

	stores := make([]*Store, len(nodes))
	for i := range nodes {
		stores[i] = NewStore(wardentest.OpenTestDB(t, path))
	}

	occurrence := epoch.Truncate(time.Millisecond)
	require.NoError(t, stores[0].Upsert(ctx, "nightly", NewJobConfig("backup", Cron("@daily")), &occurrence, epoch))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i, node := range nodes {
		rec, err := stores[i].Get(ctx, "nightly")
		require.NoError(t, err)

		wg.Add(1)
		go func(store *Store, rec *Record, node string) {
			defer wg.Done()
			next := occurrence.Add(24 * time.Hour)
			ok, err := store.Claim(ctx, rec, occurrence, &next, node, epoch.Add(time.Minute), epoch)
			if err != nil {
				t.Errorf("claim by %s: %v", node, err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, node)
				mu.Unlock()
			}
		}(stores[i], rec, node)
	}
	wg.Wait()

	require.Len(t, winners, 1)

	rec, err := stores[0].Get(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, winners[0], rec.RunningNode)
	assert.True(t, rec.NextRunAt.Equal(occurrence.Add(24*time.Hour)))
	assert.True(t, rec.LastRunAt.Equal(occurrence))
}

func TestClaimRespectsLiveLease(t *testing.T) {
	ctx := context.Background()
	store := NewStore(wardentest.CreateTestDB(t))
	occurrence := epoch.Truncate(time.Millisecond)
	every := mustInterval(t, time.Second, time.Time{})
	require.NoError(t, store.Upsert(ctx, "tick", NewJobConfig("k", every), &occurrence, epoch))

	rec, err := store.Get(ctx, "tick")
	require.NoError(t, err)
	next := occurrence.Add(time.Second)
	ok, err := store.Claim(ctx, rec, occurrence, &next, "a", epoch.Add(time.Minute), epoch)
	require.NoError(t, err)
	require.True(t, ok)

	// the next occurrence is due but node a still runs the previous one
	later := epoch.Add(2 * time.Second)
	due, err := store.ListDueCluster(ctx, later)
	require.NoError(t, err)
	assert.Empty(t, due)

	rec, err = store.Get(ctx, "tick")
	require.NoError(t, err)
	after := next.Add(time.Second)
	ok, err = store.Claim(ctx, rec, next, &after, "b", later.Add(time.Minute), later)
	require.NoError(t, err)
	assert.False(t, ok)

	// an expired lease no longer blocks
	expired := epoch.Add(2 * time.Minute)
	due, err = store.ListDueCluster(ctx, expired)
	require.NoError(t, err)
	require.Len(t, due, 1)
	ok, err = store.Claim(ctx, due[0], next, &after, "b", expired.Add(time.Minute), expired)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimFailsForStaleGeneration(t *testing.T) {
	ctx := context.Background()
	store := NewStore(wardentest.CreateTestDB(t))
	occurrence := epoch.Truncate(time.Millisecond)
	cfg := NewJobConfig("k", Cron("@daily"))
	require.NoError(t, store.Upsert(ctx, "job", cfg, &occurrence, epoch))

	stale, err := store.Get(ctx, "job")
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "job", cfg, &occurrence, epoch))

	ok, err := store.Claim(ctx, stale, occurrence, nil, "a", epoch.Add(time.Minute), epoch)
	require.NoError(t, err)
	assert.False(t, ok, "a replaced job must not be claimed with the old generation")
}

func TestRenewAndReleaseClaim(t *testing.T) {
	ctx := context.Background()
	store := NewStore(wardentest.CreateTestDB(t))
	occurrence := epoch.Truncate(time.Millisecond)
	require.NoError(t, store.Upsert(ctx, "job", NewJobConfig("k", Once(occurrence)), &occurrence, epoch))

	rec, err := store.Get(ctx, "job")
	require.NoError(t, err)
	ok, err := store.Claim(ctx, rec, occurrence, nil, "a", epoch.Add(time.Minute), epoch)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := store.RenewClaim(ctx, "job", "a", epoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = store.RenewClaim(ctx, "job", "b", epoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, renewed, "only the holder renews")

	require.NoError(t, store.ReleaseClaim(ctx, "job", "b"))
	rec, err = store.Get(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.RunningNode)

	require.NoError(t, store.ReleaseClaim(ctx, "job", "a"))
	rec, err = store.Get(ctx, "job")
	require.NoError(t, err)
	assert.Empty(t, rec.RunningNode)
	assert.Nil(t, rec.RunningUntil)
	assert.Nil(t, rec.NextRunAt, "run-once job is exhausted after its claim")
}

func TestClaimSurfacesDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE scheduled_jobs").WillReturnError(errors.New("database is locked"))

	rec := &Record{ID: "job", Generation: 1}
	ok, err := NewStore(db).Claim(context.Background(), rec, epoch, util.Ptr(epoch), "a", epoch, epoch)
	require.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
