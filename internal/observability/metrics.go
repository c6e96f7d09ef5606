package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkmux",
			Subsystem: "channel",
			Name:      "packets_total",
			Help:      "Packets framed on or read from a channel.",
		},
		[]string{"channel", "direction", "way"},
	)
	bodyBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkmux",
			Subsystem: "channel",
			Name:      "body_bytes_total",
			Help:      "Plaintext body bytes streamed through a channel cipher.",
		},
		[]string{"channel", "direction"},
	)
	transferErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkmux",
			Subsystem: "channel",
			Name:      "transfer_errors_total",
			Help:      "Failed packet transfers by error class.",
		},
		[]string{"channel", "class"},
	)
	livenessTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkmux",
			Subsystem: "channel",
			Name:      "liveness_transitions_total",
			Help:      "Channel liveness state transitions.",
		},
		[]string{"channel", "state"},
	)
	reconnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkmux",
			Subsystem: "session",
			Name:      "reconnections_total",
			Help:      "Completed reconnection cycles by outcome.",
		},
		[]string{"outcome"},
	)
	pendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "linkmux",
			Subsystem: "session",
			Name:      "pending_tasks",
			Help:      "Tasks awaiting responses across all sessions.",
		},
	)
	bufferPairs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "linkmux",
			Subsystem: "bufpool",
			Name:      "pairs_allocated",
			Help:      "Scratch buffer pairs allocated by worker handles.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			packets,
			bodyBytes,
			transferErrors,
			livenessTransitions,
			reconnections,
			pendingTasks,
			bufferPairs,
		)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordPacket(channel, direction, way string) {
	RegisterMetrics()
	packets.WithLabelValues(channel, direction, way).Inc()
}

func RecordBodyBytes(channel, direction string, n int64) {
	RegisterMetrics()
	if n <= 0 {
		return
	}
	bodyBytes.WithLabelValues(channel, direction).Add(float64(n))
}

func RecordTransferError(channel, class string) {
	RegisterMetrics()
	transferErrors.WithLabelValues(channel, class).Inc()
}

func RecordLiveness(channel, state string) {
	RegisterMetrics()
	livenessTransitions.WithLabelValues(channel, state).Inc()
}

func RecordReconnection(succeeded bool) {
	RegisterMetrics()
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	reconnections.WithLabelValues(outcome).Inc()
}

func AddPendingTasks(delta int) {
	RegisterMetrics()
	pendingTasks.Add(float64(delta))
}

func AddBufferPairs(delta int) {
	RegisterMetrics()
	bufferPairs.Add(float64(delta))
}
