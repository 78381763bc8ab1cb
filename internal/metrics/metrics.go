// Package metrics provides Prometheus instrumentation for the relay server.
// It exposes gauges for live sessions and online users, counters for message
// and presence throughput, and a histogram for persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveSessions tracks the current number of registered transport sessions.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_live_sessions",
		Help: "Current number of live transport sessions",
	})

	// OnlineUsers tracks the number of users with at least one live session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users with at least one live session",
	})

	// Messages counts message operations, labeled by outcome:
	// "sent" (persisted), "delivered" (per-session dispatch), "rejected"
	// (validation or rate limit), "failed" (persistence failure).
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of message operations by outcome",
	}, []string{"outcome"})

	// PresenceEvents counts roster transitions, labeled "online"/"offline".
	PresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_presence_events_total",
		Help: "Total number of presence transitions broadcast",
	}, []string{"state"})

	// PersistLatency records message store commit latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_persist_latency_seconds",
		Help:    "Message store durable-commit latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		LiveSessions,
		OnlineUsers,
		Messages,
		PresenceEvents,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
