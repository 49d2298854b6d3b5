package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	h1, err := l.Acquire(ctx, "compact:abc", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "compact:abc", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	// unrelated names stay independent
	h2, err := l.Acquire(ctx, "compact:def", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))

	require.NoError(t, h1.Release(ctx))

	h3, err := l.Acquire(ctx, "compact:abc", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h3.Release(ctx))
}

func TestMemoryLockerLeaseExpiry(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "n", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// an expired lease is taken over
	fresh, err := l.Acquire(ctx, "n", time.Minute)
	require.NoError(t, err)

	// the overrun holder's release must not free the takeover's lease
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "n", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, fresh.Release(ctx))
}

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	l, _ := newTestRedisLocker(t)
	ctx := context.Background()

	h1, err := l.Acquire(ctx, "compact:abc", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "compact:abc", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, h1.Release(ctx))

	h2, err := l.Acquire(ctx, "compact:abc", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestRedisLockerLeaseExpiry(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "n", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	fresh, err := l.Acquire(ctx, "n", time.Minute)
	require.NoError(t, err)

	// the token guard keeps the stale holder from releasing the new lease
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "n", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, fresh.Release(ctx))
}
