package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Acquire when another process holds the sweep lease
var ErrLockHeld = errors.New("sweep lock held by another process")

const sweepLockKey = "payproc:sweep:lock"

// Only the holder of the token may release or extend the lease.
var (
	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// SweepLock is a Redis lease that keeps sweep cycles of different processes
// from overlapping
type SweepLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// Lease is a held sweep lock
type Lease struct {
	lock  *SweepLock
	token string
}

// NewSweepLock creates a sweep lock with the given lease duration
func NewSweepLock(cache *RedisCache, ttl time.Duration) *SweepLock {
	return &SweepLock{client: cache.Client(), key: sweepLockKey, ttl: ttl}
}

// Acquire takes the lease or returns ErrLockHeld
func (l *SweepLock) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{lock: l, token: token}, nil
}

// TTL is the lease duration
func (l *SweepLock) TTL() time.Duration {
	return l.ttl
}

// Token identifies the holder
func (le *Lease) Token() string {
	return le.token
}

// Extend pushes the lease expiry out by the lock TTL. It returns ErrLockHeld
// if the lease already expired and someone else took it.
func (le *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, le.lock.client, []string{le.lock.key},
		le.token, le.lock.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend sweep lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// Release gives the lease up. Releasing an expired lease is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, le.lock.client, []string{le.lock.key}, le.token).Int64(); err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
