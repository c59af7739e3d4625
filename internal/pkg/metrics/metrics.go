// Package metrics defines the Prometheus instrumentation of the hub.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CloudConnected is 1 while the cloud session is fully established.
	CloudConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearth",
		Subsystem: "cloud",
		Name:      "connected",
		Help:      "Whether the cloud link is established (1) or not (0).",
	})

	// CloudConnectAttempts counts dial attempts towards the cloud broker.
	CloudConnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "cloud",
		Name:      "connect_attempts_total",
		Help:      "Total number of cloud connection attempts.",
	})

	// CloudDrops counts lost sessions, regardless of cause.
	CloudDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "cloud",
		Name:      "drops_total",
		Help:      "Total number of dropped cloud sessions.",
	})

	// CloudMessagesPublished counts outbound cloud messages.
	CloudMessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "cloud",
		Name:      "messages_published_total",
		Help:      "Total number of messages published to the cloud.",
	})

	// CloudMessagesReceived counts inbound cloud messages.
	CloudMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "cloud",
		Name:      "messages_received_total",
		Help:      "Total number of messages received from the cloud.",
	})

	// CloudPairings counts finished pairing attempts by reply status.
	CloudPairings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "cloud",
		Name:      "pairings_total",
		Help:      "Total number of finished pairing attempts by status code.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		CloudConnected,
		CloudConnectAttempts,
		CloudDrops,
		CloudMessagesPublished,
		CloudMessagesReceived,
		CloudPairings,
	)
}
