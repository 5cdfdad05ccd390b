package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// holdsTotal counts successfully placed holds.
	holdsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "huntboard",
			Name:      "escrow_holds_total",
			Help:      "Total escrow holds placed.",
		},
	)

	// holdAmount observes hold sizes in dollars.
	holdAmount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "huntboard",
			Name:      "escrow_hold_amount_dollars",
			Help:      "Escrow hold amounts in dollars.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)
)

func init() {
	prometheus.MustRegister(holdsTotal, holdAmount)
}
