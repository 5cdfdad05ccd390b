package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// releasesTotal counts settled releases.
	releasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "huntboard",
			Name:      "settlement_releases_total",
			Help:      "Total releases settled.",
		},
	)

	// refundsTotal counts settled refunds.
	refundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "huntboard",
			Name:      "settlement_refunds_total",
			Help:      "Total refunds settled.",
		},
	)

	// settledAmount accumulates settled dollars by kind.
	settledAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huntboard",
			Name:      "settlement_amount_dollars_total",
			Help:      "Settled amounts in dollars by kind.",
		},
		[]string{"kind"},
	)

	// processorDuration observes processor call latency by operation.
	processorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "huntboard",
			Name:      "settlement_processor_duration_seconds",
			Help:      "Payment processor call duration by operation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(releasesTotal, refundsTotal, settledAmount, processorDuration)
}
