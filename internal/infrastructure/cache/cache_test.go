package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	info  entity.EntityInfo
	err   error
	calls int
}

func (r *countingResolver) ResolveEntity(context.Context, string, string) (entity.EntityInfo, error) {
	r.calls++
	return r.info, r.err
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestEntityCache_ReadThrough(t *testing.T) {
	mr, rdb := newRedis(t)
	next := &countingResolver{info: entity.EntityInfo{Label: "Binance 7", Tags: []string{"cex"}}}
	c := NewEntityCache(next, rdb, time.Minute, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := c.ResolveEntity(ctx, "0xa1", "ethereum")
		require.NoError(t, err)
		assert.Equal(t, "Binance 7", info.Label)
	}
	assert.Equal(t, 1, next.calls)
	assert.True(t, mr.Exists("whale:entity:ethereum:0xa1"))

	mr.FastForward(2 * time.Minute)
	_, err := c.ResolveEntity(ctx, "0xa1", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestEntityCache_FailuresAreNotCached(t *testing.T) {
	mr, rdb := newRedis(t)
	boom := errors.New("entity service down")
	next := &countingResolver{err: boom}
	c := NewEntityCache(next, rdb, time.Minute, logger.NewNop())

	_, err := c.ResolveEntity(context.Background(), "0xa1", "ethereum")
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("whale:entity:ethereum:0xa1"))
}

func TestEntityCache_RedisDownFallsThrough(t *testing.T) {
	mr, rdb := newRedis(t)
	next := &countingResolver{info: entity.EntityInfo{Label: "Aave"}}
	c := NewEntityCache(next, rdb, time.Minute, logger.NewNop())
	mr.Close()

	info, err := c.ResolveEntity(context.Background(), "0xa1", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "Aave", info.Label)
}

func TestLock_SingleHolder(t *testing.T) {
	mr, rdb := newRedis(t)
	lock := NewLock(rdb)
	ctx := context.Background()

	release, ok, err := lock.TryLock(ctx, "whale-cycle:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryLock(ctx, "whale-cycle:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("lock:whale-cycle:1"))

	_, ok, err = lock.TryLock(ctx, "whale-cycle:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_StaleReleaseKeepsNewHolder(t *testing.T) {
	mr, rdb := newRedis(t)
	lock := NewLock(rdb)
	ctx := context.Background()

	stale, ok, err := lock.TryLock(ctx, "whale-cycle:2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = lock.TryLock(ctx, "whale-cycle:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("lock:whale-cycle:2"))
}
