package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay delivery is fire-and-forget, so counters are the only place where
// drops are visible at all. They are diagnostics, not delivery guarantees.
var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unimarket",
		Subsystem: "realtime",
		Name:      "connections",
		Help:      "Live websocket connections currently registered.",
	})

	metricOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unimarket",
		Subsystem: "realtime",
		Name:      "online_users",
		Help:      "Distinct users with at least one live connection.",
	})

	metricRelayedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unimarket",
		Subsystem: "realtime",
		Name:      "relayed_events_total",
		Help:      "Events enqueued to a receiver connection, by event type.",
	}, []string{"type"})

	metricDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unimarket",
		Subsystem: "realtime",
		Name:      "dropped_events_total",
		Help:      "Events dropped due to backpressure or client shutdown, by event type.",
	}, []string{"type"})

	metricOfflineDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unimarket",
		Subsystem: "realtime",
		Name:      "offline_drops_total",
		Help:      "Events silently dropped because the receiver had no live connection.",
	}, []string{"type"})
)
