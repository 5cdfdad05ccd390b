package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

// transitionsTotal counts lifecycle transitions by kind.
var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "huntboard",
		Name:      "task_transitions_total",
		Help:      "Task lifecycle transitions by kind.",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}
