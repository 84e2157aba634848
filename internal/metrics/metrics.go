// Package metrics provides Prometheus instrumentation for the chat relay.
// It exposes gauges for connection, queue, and session counts, counters for
// relay throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts relayed traffic, labeled by outcome: "relayed",
	// "blocked", or "duplicate".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// RelayLatency records message relay latency in seconds.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairline_relay_latency_seconds",
		Help:    "Message relay latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchDuration records the time from queue join to match found.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairline_match_duration_seconds",
		Help:    "Time from queue join to match found",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// MatchesTotal counts pairs created by the matching engine.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairline_matches_total",
		Help: "Total number of matched pairs",
	})

	// ActiveSessions tracks the current number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// WaitQueueSize tracks the current number of users waiting for a match.
	WaitQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_wait_queue_size",
		Help: "Current number of users in the wait queue",
	})

	// FallbackQueueSize tracks outbound events parked in the client-side
	// fallback queue.
	FallbackQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_fallback_queue_size",
		Help: "Current number of events queued for fallback delivery",
	})

	// ReportsTotal counts user reports filed against sessions.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairline_reports_total",
		Help: "Total number of user reports filed",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		RelayLatency,
		MatchDuration,
		MatchesTotal,
		ActiveSessions,
		WaitQueueSize,
		FallbackQueueSize,
		ReportsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
