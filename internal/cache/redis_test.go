package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr
}

func TestSeenSetExpires(t *testing.T) {
	mr := newRedis(t)
	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	set := NewSeenSet(client, "dedup:", time.Minute)
	ctx := context.Background()

	seen, err := set.Seen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, set.Remember(ctx, "a"))
	seen, err = set.Seen(ctx, "a")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = set.Seen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestLockerExclusion(t *testing.T) {
	mr := newRedis(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	locker := NewLocker(client, "lock:", time.Minute)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "org-1/rhel/advisor")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "org-1/rhel/advisor")
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, release(ctx))
	release2, err := locker.Acquire(ctx, "org-1/rhel/advisor")
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestLockerExpiry(t *testing.T) {
	mr := newRedis(t)
	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	locker := NewLocker(client, "lock:", time.Second)
	ctx := context.Background()

	_, err = locker.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	release, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
