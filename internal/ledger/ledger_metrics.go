package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/metrics"
)

var (
	// OpsTotal counts wallet mutations by entry kind.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "ledger_operations_total",
			Help:      "Total wallet mutations by entry kind.",
		},
		[]string{"kind"},
	)

	// OpDuration observes mutation latency, including conflict replays.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Wallet mutation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	// ConflictRetries counts atomic units replayed after a version conflict.
	ConflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "ledger_conflict_retries_total",
			Help:      "Atomic units replayed after a balance version conflict.",
		},
	)

	// ConcurrencyExhausted counts units that gave up after max attempts.
	ConcurrencyExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "ledger_concurrency_exhausted_total",
			Help:      "Atomic units abandoned after exhausting conflict retries.",
		},
	)

	// InsufficientFunds counts rejected decreases.
	InsufficientFunds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "ledger_insufficient_funds_total",
			Help:      "Balance decreases rejected for insufficient funds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		ConflictRetries,
		ConcurrencyExhausted,
		InsufficientFunds,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(kind domain.Kind) func() {
	OpsTotal.WithLabelValues(string(kind)).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
}
