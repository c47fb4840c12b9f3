package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/payment-forwarder/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSweeper struct {
	calls atomic.Int32
	err   error
	// block makes Sweep wait for ctx to end
	block bool

	mu      sync.Mutex
	sawDone bool
	during  func()
}

func (s *stubSweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	s.calls.Add(1)
	if s.during != nil {
		s.during()
	}
	if s.block {
		<-ctx.Done()
		s.mu.Lock()
		s.sawDone = true
		s.mu.Unlock()
		return &SweepReport{}, ctx.Err()
	}
	return &SweepReport{Rows: 1}, s.err
}

func newTestLock(t *testing.T, ttl time.Duration) (*storage.SweepLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewSweepLock(storage.NewRedisCacheFromClient(client), ttl), mr
}

func TestNewSweepSchedulerValidation(t *testing.T) {
	_, err := NewSweepScheduler(nil, nil, SweepSchedulerConfig{Interval: time.Minute})
	assert.Error(t, err)

	_, err = NewSweepScheduler(&stubSweeper{}, nil, SweepSchedulerConfig{Interval: time.Millisecond})
	assert.Error(t, err)
}

func TestRunOnceHoldsLease(t *testing.T) {
	lock, mr := newTestLock(t, time.Minute)
	sweeper := &stubSweeper{}
	sweeper.during = func() {
		assert.Len(t, mr.Keys(), 1, "lease is held while sweeping")
	}

	s, err := NewSweepScheduler(sweeper, lock, SweepSchedulerConfig{Interval: time.Minute, Enabled: true})
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rows)
	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Empty(t, mr.Keys(), "lease released after the cycle")

	status := s.Status()
	assert.False(t, status.LastRun.IsZero())
	assert.Empty(t, status.LastError)
	assert.Same(t, report, status.LastReport)
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	lock, _ := newTestLock(t, time.Minute)
	other, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = other.Release(context.Background()) }()

	sweeper := &stubSweeper{}
	s, err := NewSweepScheduler(sweeper, lock, SweepSchedulerConfig{Interval: time.Minute, Enabled: true})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, storage.ErrLockHeld)
	assert.Zero(t, sweeper.calls.Load())
}

func TestRunOnceRecordsFailure(t *testing.T) {
	sweeper := &stubSweeper{err: errors.New("ledger unavailable")}
	s, err := NewSweepScheduler(sweeper, nil, SweepSchedulerConfig{Interval: time.Minute, Enabled: true})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ledger unavailable", s.Status().LastError)
}

func TestSchedulerRunOnStartAndStop(t *testing.T) {
	lock, _ := newTestLock(t, time.Minute)
	sweeper := &stubSweeper{}
	s, err := NewSweepScheduler(sweeper, lock, SweepSchedulerConfig{
		Interval:   time.Hour,
		RunOnStart: true,
		Enabled:    true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Status().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Status().Running)
	assert.NoError(t, s.Stop(ctx), "stopping twice is a no-op")
}

func TestSchedulerDisabled(t *testing.T) {
	sweeper := &stubSweeper{}
	s, err := NewSweepScheduler(sweeper, nil, SweepSchedulerConfig{
		Interval:   time.Second,
		RunOnStart: true,
		Enabled:    false,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, sweeper.calls.Load())
	assert.False(t, s.Status().Running)
	assert.False(t, s.Status().Enabled)
}

func TestSchedulerStopDeadlineCancelsCycle(t *testing.T) {
	sweeper := &stubSweeper{block: true}
	s, err := NewSweepScheduler(sweeper, nil, SweepSchedulerConfig{
		Interval:   time.Hour,
		RunOnStart: true,
		Enabled:    true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	assert.True(t, sweeper.sawDone, "the in-flight cycle observed cancellation")
}

func TestKVFields(t *testing.T) {
	fields := kvFields([]interface{}{"entry", 1, "next", "soon", 42})
	assert.Equal(t, map[string]interface{}{"entry": 1, "next": "soon"}, fields)
}
