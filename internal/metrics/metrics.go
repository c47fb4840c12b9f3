// Package metrics exposes the forwarder's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payproc"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	addressesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuance",
			Name:      "addresses_total",
			Help:      "Payment address issuance attempts by result.",
		},
		[]string{"result"},
	)

	walletCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "calls_total",
			Help:      "Wallet RPC calls by method and result.",
		},
		[]string{"method", "result"},
	)

	walletDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "call_duration_seconds",
			Help:      "Duration of wallet RPC calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method"},
	)

	walletBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "circuit_state",
			Help:      "Wallet circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"breaker"},
	)

	sweepCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "cycles_total",
			Help:      "Sweep cycles by outcome.",
		},
		[]string{"outcome"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of completed sweep cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	reconciledRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "reconciled_rows_total",
			Help:      "Ledger rows reconciled by outcome.",
		},
		[]string{"outcome"},
	)

	payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "payouts_total",
			Help:      "Destination payouts by result.",
		},
		[]string{"network", "result"},
	)

	payoutSatoshis = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "satoshis_total",
			Help:      "Satoshis dispatched in successful payouts.",
		},
		[]string{"network"},
	)

	walletBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "balance_satoshis",
			Help:      "Last observed total wallet balance.",
		},
		[]string{"network"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		addressesIssued,
		walletCalls,
		walletDuration,
		walletBreakerState,
		sweepCycles,
		sweepDuration,
		reconciledRows,
		payouts,
		payoutSatoshis,
		walletBalance,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one handled request. path should be the route
// template so label cardinality stays bounded.
func ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordIssuance counts an issuance attempt
func RecordIssuance(result string) {
	addressesIssued.WithLabelValues(result).Inc()
}

// RecordWalletCall records one wallet RPC call
func RecordWalletCall(method string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	walletCalls.WithLabelValues(method, result).Inc()
	walletDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(breaker string, state float64) {
	walletBreakerState.WithLabelValues(breaker).Set(state)
}

// RecordSweepCycle counts a cycle outcome (completed, skipped_locked, failed)
// and, for completed cycles, its duration
func RecordSweepCycle(outcome string, duration time.Duration) {
	sweepCycles.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		sweepDuration.Observe(duration.Seconds())
	}
}

// RecordReconciled counts reconciled rows by outcome
func RecordReconciled(outcome string, n int) {
	if n > 0 {
		reconciledRows.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordPayout counts a payout attempt and the satoshis of a successful one
func RecordPayout(network, result string, satoshis int64) {
	payouts.WithLabelValues(network, result).Inc()
	if result == "sent" && satoshis > 0 {
		payoutSatoshis.WithLabelValues(network).Add(float64(satoshis))
	}
}

// SetWalletBalance publishes the last observed wallet balance
func SetWalletBalance(network string, satoshis int64) {
	walletBalance.WithLabelValues(network).Set(float64(satoshis))
}
