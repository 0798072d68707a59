package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/rentledger/internal/metrics"
)

var (
	reconcileAnomalies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "anomalies",
		Help:      "Number of balance anomalies found in the last reconciliation run.",
	})

	reconcileTotalGap = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "total_gap_minor_units",
		Help:      "Sum of absolute balance gaps found in the last reconciliation run.",
	})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "balances_checked",
		Help:      "Number of balances compared in the last reconciliation run.",
	})

	reconcileLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time the last reconciliation run completed.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total failed reconciliation runs.",
	})

	reconcileSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "skipped_total",
		Help:      "Runs refused because another run was in progress.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileAnomalies,
		reconcileTotalGap,
		reconcileChecked,
		reconcileLastSuccess,
		reconcileDuration,
		reconcileErrors,
		reconcileSkipped,
	)
}
