package netif

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelIface = "iface"

var (
	metricFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapsock_frames_received_total",
			Help: "Frames read from the device and injected into the stack",
		},
		[]string{labelIface},
	)
	metricFramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapsock_frames_sent_total",
			Help: "Frames drained from the stack and written to the device",
		},
		[]string{labelIface},
	)
	metricFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapsock_frames_dropped_total",
			Help: "Outbound frames dropped because the device would block",
		},
		[]string{labelIface},
	)
	metricPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapsock_interface_polls_total",
			Help: "Number of interface poll passes",
		},
		[]string{labelIface},
	)
	metricSocketsInTable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapsock_stack_sockets",
			Help: "Live entries in the interface's socket table",
		},
		[]string{labelIface},
	)
)
