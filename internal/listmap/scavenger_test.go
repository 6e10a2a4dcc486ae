package listmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/matteso1/chestnut/internal/tier"
)

func TestScavenge_RemovesStaleCopies(t *testing.T) {
	h := newHarness(t, 2, 4)
	s := h.store

	// key 1: promoted to Median, stale Small copy left behind.
	for _, v := range []uint64{10, 20, 30} {
		require.NoError(t, s.Append(1, v))
	}
	require.NoError(t, h.maps[tier.Small].Put(1, []uint64{10, 20}))

	// key 2: promoted to Large, stale Median copy left behind.
	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, s.Append(2, v))
	}
	require.NoError(t, h.maps[tier.Median].Put(2, []uint64{1, 2, 3, 4}))

	// key 3: created but the count never written.
	require.NoError(t, h.maps[tier.Small].Put(3, []uint64{7, 0}))

	// key 4: a healthy Small list.
	require.NoError(t, s.Append(4, 1))

	removed, err := s.Scavenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	assert.False(t, h.maps[tier.Small].has(1))
	assert.True(t, h.maps[tier.Median].has(1))
	assert.False(t, h.maps[tier.Median].has(2))
	assert.True(t, h.maps[tier.Large].has(2))
	assert.False(t, h.maps[tier.Small].has(3))
	assert.True(t, h.maps[tier.Small].has(4))

	for key, want := range map[uint64][]uint64{1: {10, 20, 30}, 2: {1, 2, 3, 4, 5}, 4: {1}} {
		got, err := s.Get(key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, uint64(3), h.m.Snapshot().Scavenged)

	removed, err = s.Scavenge(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestScavenge_HonorsContext(t *testing.T) {
	h := newHarness(t, 2, 4)
	require.NoError(t, h.maps[tier.Small].Put(3, []uint64{7, 0}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.store.Scavenge(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, h.maps[tier.Small].has(3))
}

func TestStartScavenger_StopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, 2, 4)
	require.NoError(t, h.maps[tier.Small].Put(3, []uint64{7, 0}))

	h.store.StartScavenger(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !h.maps[tier.Small].has(3)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.store.Close())
}

func TestStartScavenger_StopsOnContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	h.store.StartScavenger(ctx, time.Hour)
	cancel()
	h.store.wg.Wait()
}
