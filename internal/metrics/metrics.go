// Package metrics provides Prometheus instrumentation for the chat gateway.
// It exposes gauges for connection and presence counts, counters for message
// throughput, and histograms for delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of distinct online users. It can
	// differ from ConnectionsTotal briefly while a reconnecting user's stale
	// session is being evicted.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_online_users",
		Help: "Current number of distinct online users",
	})

	// MessagesTotal counts messages processed, labeled by kind ("channel" or
	// "dm") and outcome ("delivered", "rejected", "rate_limited").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"kind", "outcome"})

	// MessageLatency records the time from receiving a send request to
	// completing its room broadcast, in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_message_latency_seconds",
		Help:    "Time from message receipt to broadcast completion in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomJoins counts room join operations, labeled by room kind.
	RoomJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_room_joins_total",
		Help: "Total number of room join operations",
	}, []string{"kind"})

	// TypingEvents counts typing indicator relays.
	TypingEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_typing_events_total",
		Help: "Total number of typing indicator events relayed",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		MessageLatency,
		RoomJoins,
		TypingEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
