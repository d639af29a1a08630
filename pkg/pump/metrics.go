//go:build linux

package pump

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricIterations = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "tapsock_pump_iterations_total",
		Help: "Completed packet-pump iterations",
	},
)
