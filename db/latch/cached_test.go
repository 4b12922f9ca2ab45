package latch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func schemaCache(g *Gate, fetches *atomic.Int32) *Cached[Schema] {
	return NewCached(g, func(ctx context.Context, h Handle) (Schema, error) {
		fetches.Inc()
		return h.Schema(ctx)
	})
}

func TestCachedFetchesOnce(t *testing.T) {
	g, _ := newTestGate(t)
	fetches := atomic.NewInt32(0)
	c := schemaCache(g, fetches)

	for i := 0; i < 3; i++ {
		s, err := c.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"primary"}, s.TableNames())
	}
	assert.EqualValues(t, 1, fetches.Load())
	assert.Equal(t, 0, g.ActiveLeases(), "fetch lease must be released")
}

func TestCachedRefetchesAfterSwap(t *testing.T) {
	g, _ := newTestGate(t)
	fetches := atomic.NewInt32(0)
	c := schemaCache(g, fetches)

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, g.Latch())
	_, err = g.Drain(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = g.UnlatchTo(&fakeHandle{name: "restored"})
	require.NoError(t, err)

	// release alone does not refetch
	assert.EqualValues(t, 1, fetches.Load())

	s, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"restored"}, s.TableNames())
	assert.EqualValues(t, 2, fetches.Load())
}

func TestCachedGetBlocksWhileLatched(t *testing.T) {
	g, _ := newTestGate(t)
	c := schemaCache(g, atomic.NewInt32(0))

	require.NoError(t, g.Latch())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx)
	require.Error(t, err)

	require.NoError(t, g.Unlatch())
	_, err = c.Get(context.Background())
	require.NoError(t, err)
}
