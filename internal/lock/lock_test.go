package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:"), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "reclaim", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "reclaim", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unlock(ctx))
	_, ok, err = l.TryLock(ctx, "reclaim", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerExpires(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	stale, ok, err := l.TryLock(ctx, "reclaim", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryLock(ctx, "reclaim", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// 过期持有者解锁不会删除新持有者的锁
	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("test:reclaim"))
}

func TestRedisLockerFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedisLockerFromURL("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer l.Close()
	assert.NoError(t, l.Ping(context.Background()))

	_, err = NewRedisLockerFromURL("://bad")
	assert.Error(t, err)
}

func TestLocalAlwaysAcquires(t *testing.T) {
	unlock, ok, err := Local{}.TryLock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, unlock(context.Background()))
}
