package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huntboard",
		Subsystem: "reconciliation",
		Name:      "ledger_drift_cents",
		Help:      "Positive ledger net found in last run (should always be 0).",
	})

	reconcileNegativeWallets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huntboard",
		Subsystem: "reconciliation",
		Name:      "negative_wallets",
		Help:      "Number of wallets with negative balances found in last run.",
	})

	reconcileFailedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huntboard",
		Subsystem: "reconciliation",
		Name:      "failed_outbox_events",
		Help:      "Number of parked outbox events found in last run.",
	})

	reconcileStuckEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huntboard",
		Subsystem: "reconciliation",
		Name:      "stuck_outbox_events",
		Help:      "Number of outbox events in processing found in last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "huntboard",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "huntboard",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerDrift,
		reconcileNegativeWallets,
		reconcileFailedEvents,
		reconcileStuckEvents,
		reconcileDuration,
		reconcileErrors,
	)
}
