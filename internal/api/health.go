package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/payment-forwarder/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	defaultCheckTimeout = 3 * time.Second
)

// HealthCheck probes one dependency; a nil error means it is usable
type HealthCheck func(ctx context.Context) error

// CheckResult is the outcome of one dependency probe
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// HealthReport is the /health response body
type HealthReport struct {
	Status        string                 `json:"status"`
	Service       string                 `json:"service"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
	WalletBalance string                 `json:"walletBalanceBtc,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CheckedAt     time.Time              `json:"checkedAt"`
}

// HealthReporter runs the registered dependency checks for /health
type HealthReporter struct {
	mu            sync.RWMutex
	checks        map[string]HealthCheck
	details       map[string]func() interface{}
	walletBalance func(ctx context.Context) (types.Satoshi, error)
	timeout       time.Duration
}

// NewHealthReporter creates a reporter whose checks each get timeout
// (default 3s)
func NewHealthReporter(timeout time.Duration) *HealthReporter {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &HealthReporter{
		checks:  make(map[string]HealthCheck),
		details: make(map[string]func() interface{}),
		timeout: timeout,
	}
}

// Register adds a named dependency check
func (h *HealthReporter) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// RegisterDetail adds a named value reported as-is, such as scheduler status
func (h *HealthReporter) RegisterDetail(name string, detail func() interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.details[name] = detail
}

// SetWalletBalance makes the report include the wallet's total balance
func (h *HealthReporter) SetWalletBalance(fn func(ctx context.Context) (types.Satoshi, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.walletBalance = fn
}

// Report runs every check concurrently. Status is healthy when all pass,
// unhealthy when all fail and degraded otherwise.
func (h *HealthReporter) Report(ctx context.Context) *HealthReport {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	details := make(map[string]func() interface{}, len(h.details))
	for name, d := range h.details {
		details[name] = d
	}
	walletBalance := h.walletBalance
	h.mu.RUnlock()

	report := &HealthReport{
		Status:    statusHealthy,
		Service:   "payproc",
		CheckedAt: time.Now().UTC(),
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		check := checks[name]
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := check(checkCtx)
			results[i] = CheckResult{Status: statusHealthy, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = statusUnhealthy
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(names) > 0 {
		report.Checks = make(map[string]CheckResult, len(names))
		failed := 0
		for i, name := range names {
			report.Checks[name] = results[i]
			if results[i].Status != statusHealthy {
				failed++
			}
		}
		switch {
		case failed == len(names):
			report.Status = statusUnhealthy
		case failed > 0:
			report.Status = statusDegraded
		}
	}

	if walletBalance != nil {
		balanceCtx, cancel := context.WithTimeout(ctx, h.timeout)
		if balance, err := walletBalance(balanceCtx); err == nil {
			report.WalletBalance = balance.String()
		}
		cancel()
	}

	if len(details) > 0 {
		report.Details = make(map[string]interface{}, len(details))
		for name, d := range details {
			report.Details[name] = d()
		}
	}

	return report
}
