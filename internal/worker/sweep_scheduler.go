package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/metrics"
	"github.com/payment-forwarder/internal/storage"
	"github.com/robfig/cron/v3"
)

// Sweeper runs one forwarding cycle
type Sweeper interface {
	Sweep(ctx context.Context) (*SweepReport, error)
}

// SweepSchedulerConfig holds configuration for the scheduler
type SweepSchedulerConfig struct {
	Interval   time.Duration
	RunOnStart bool
	// Enabled false keeps Start from scheduling anything
	Enabled bool
}

// SchedulerStatus is a snapshot of the scheduler for health reporting
type SchedulerStatus struct {
	Running    bool         `json:"running"`
	Enabled    bool         `json:"enabled"`
	Interval   string       `json:"interval"`
	LastRun    time.Time    `json:"lastRun,omitempty"`
	LastError  string       `json:"lastError,omitempty"`
	LastReport *SweepReport `json:"lastReport,omitempty"`
}

// SweepScheduler runs the sweeper on a fixed interval. A cycle that is still
// running when the next one is due makes the next one skip, and every cycle
// holds the Redis sweep lease so two processes never sweep at once.
type SweepScheduler struct {
	sweeper Sweeper
	lock    *storage.SweepLock
	cfg     SweepSchedulerConfig

	cron *cron.Cron
	job  cron.Job
	// wg tracks the start-up run, which cron's own Stop does not wait for
	wg sync.WaitGroup

	mu         sync.RWMutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	lastRun    time.Time
	lastErr    error
	lastReport *SweepReport
}

// NewSweepScheduler creates a scheduler. lock may be nil when only one
// sweeper process ever runs.
func NewSweepScheduler(sweeper Sweeper, lock *storage.SweepLock, cfg SweepSchedulerConfig) (*SweepScheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper cannot be nil")
	}
	if cfg.Interval < time.Second {
		return nil, fmt.Errorf("sweep interval must be at least 1s, got %v", cfg.Interval)
	}

	logger := cronLogger{}
	s := &SweepScheduler{
		sweeper: sweeper,
		lock:    lock,
		cfg:     cfg,
		cron:    cron.New(cron.WithLogger(logger)),
	}
	s.job = cron.NewChain(cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(s.tick))
	return s, nil
}

// Start schedules the sweep. The context bounds every cycle the scheduler runs.
func (s *SweepScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweep scheduler is already running")
	}
	if !s.cfg.Enabled {
		logging.FromContext(ctx).Warn("Forwarding disabled, sweep scheduler not started")
		return nil
	}

	if _, err := s.cron.AddJob(fmt.Sprintf("@every %s", s.cfg.Interval), s.job); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"interval":   s.cfg.Interval.String(),
		"runOnStart": s.cfg.RunOnStart,
	}).Info("Sweep scheduler started")

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.job.Run()
		}()
	}
	return nil
}

// Stop stops scheduling and waits for the cycle in flight. If ctx expires
// first the cycle is cancelled; everything it already committed stays valid.
func (s *SweepScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		logging.Info("Sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		logging.Warn("Sweep scheduler stop deadline passed, in-flight cycle cancelled")
		return ctx.Err()
	}
}

// Status returns a snapshot of the scheduler
func (s *SweepScheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		Running:    s.running,
		Enabled:    s.cfg.Enabled,
		Interval:   s.cfg.Interval.String(),
		LastRun:    s.lastRun,
		LastReport: s.lastReport,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

func (s *SweepScheduler) tick() {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, storage.ErrLockHeld) {
		logging.FromContext(ctx).WithError(err).Error("Sweep cycle failed")
	}
}

// RunOnce runs a single cycle under the sweep lease. It returns
// storage.ErrLockHeld without sweeping when another process holds the lease.
func (s *SweepScheduler) RunOnce(ctx context.Context) (*SweepReport, error) {
	logger := logging.FromContext(ctx)

	if s.lock != nil {
		lease, err := s.lock.Acquire(ctx)
		if err != nil {
			metrics.RecordSweepCycle("skipped_locked", 0)
			if errors.Is(err, storage.ErrLockHeld) {
				logger.Info("Sweep lease held elsewhere, skipping cycle")
			} else {
				logger.WithError(err).Warn("Failed to acquire sweep lease, skipping cycle")
			}
			return nil, err
		}

		stopExtend := s.keepLease(ctx, lease)
		defer func() {
			stopExtend()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				logger.WithError(err).Warn("Failed to release sweep lease")
			}
		}()
	}

	report, err := s.sweeper.Sweep(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	if report != nil {
		s.lastReport = report
	}
	s.mu.Unlock()

	return report, err
}

// keepLease extends the lease at half its TTL until the returned func is called
func (s *SweepScheduler) keepLease(ctx context.Context, lease *storage.Lease) func() {
	interval := s.lock.TTL() / 2
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx); err != nil {
					logging.FromContext(ctx).WithError(err).Warn("Failed to extend sweep lease")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// cronLogger routes cron's own logging into the service logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.WithFields(kvFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
