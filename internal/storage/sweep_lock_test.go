package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepLockAcquireRelease(t *testing.T) {
	cache, mr := newTestRedis(t)
	lock := NewSweepLock(cache, time.Minute)
	ctx := testContext(t)

	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token())

	got, err := mr.Get(sweepLockKey)
	require.NoError(t, err)
	assert.Equal(t, lease.Token(), got)

	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists(sweepLockKey))

	again, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token(), again.Token())
}

func TestSweepLockExpires(t *testing.T) {
	cache, mr := newTestRedis(t)
	lock := NewSweepLock(cache, time.Minute)
	ctx := testContext(t)

	first, err := lock.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	second, err := lock.Acquire(ctx)
	require.NoError(t, err, "expired lease should be reclaimable")

	// the stale holder must not release or extend the new lease
	require.NoError(t, first.Release(ctx))
	assert.True(t, mr.Exists(sweepLockKey))
	assert.ErrorIs(t, first.Extend(ctx), ErrLockHeld)

	assert.NoError(t, second.Extend(ctx))
}

func TestSweepLockExtend(t *testing.T) {
	cache, mr := newTestRedis(t)
	lock := NewSweepLock(cache, time.Minute)
	ctx := testContext(t)

	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	mr.FastForward(50 * time.Second)

	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)
}
