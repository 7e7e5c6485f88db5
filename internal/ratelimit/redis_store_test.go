package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSnapshotStore(t *testing.T) (*RedisSnapshotStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	store, err := NewRedisSnapshotStore(client)
	require.NoError(t, err)
	return store, mr
}

func TestNewRedisSnapshotStore(t *testing.T) {
	_, err := NewRedisSnapshotStore(nil)
	assert.EqualError(t, err, "redis client is required")
}

func TestRedisSnapshotStoreMerge(t *testing.T) {
	ctx := context.Background()
	store, mr := setupTestSnapshotStore(t)
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)

	first, err := store.Merge(ctx, 1, Snapshot{Remaining: 400, Limit: 5000, ResetAt: reset})
	require.NoError(t, err)
	assert.Equal(t, 400, first.Remaining)
	assert.True(t, mr.Exists(snapshotKey(1)))

	t.Run("higher remaining in same window keeps stored", func(t *testing.T) {
		kept, err := store.Merge(ctx, 1, Snapshot{Remaining: 900, Limit: 5000, ResetAt: reset})
		require.NoError(t, err)
		assert.Equal(t, 400, kept.Remaining)
	})

	t.Run("lower remaining replaces", func(t *testing.T) {
		kept, err := store.Merge(ctx, 1, Snapshot{Remaining: 120, Limit: 5000, ResetAt: reset})
		require.NoError(t, err)
		assert.Equal(t, 120, kept.Remaining)
	})

	t.Run("later window replaces", func(t *testing.T) {
		kept, err := store.Merge(ctx, 1, Snapshot{Remaining: 4990, Limit: 5000, ResetAt: reset.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, 4990, kept.Remaining)
		assert.Equal(t, reset.Add(time.Hour).Unix(), kept.ResetAt.Unix())
	})
}

func TestRedisSnapshotStoreLoad(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestSnapshotStore(t)

	snap, err := store.Load(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, snap)

	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	_, err = store.Merge(ctx, 42, Snapshot{Remaining: 30, Limit: 5000, ResetAt: reset})
	require.NoError(t, err)

	snap, err = store.Load(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 30, snap.Remaining)
	assert.Equal(t, 5000, snap.Limit)
}

func TestTrackerSharesThroughRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestSnapshotStore(t)
	reset := time.Now().Add(time.Hour).Truncate(time.Second)

	workerA, err := NewTracker(NewConfig(), store)
	require.NoError(t, err)
	workerB, err := NewTracker(NewConfig(), store)
	require.NoError(t, err)

	workerA.Update(ctx, 7, Observation{Remaining: 20, Limit: 5000, ResetAt: reset})
	require.NoError(t, workerB.Load(ctx, 7))

	assert.Equal(t, 20, workerB.Remaining(7))
	assert.True(t, workerB.IsCritical(7))

	// a stale reading in B is corrected by the shared store
	snap := workerB.Update(ctx, 7, Observation{Remaining: 300, Limit: 5000, ResetAt: reset})
	assert.Equal(t, 20, snap.Remaining)
}
