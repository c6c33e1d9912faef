// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TurnsTotal tracks persisted turns by role and terminal status.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total persisted chat turns",
		},
		[]string{"role", "status"},
	)

	// TurnDuration tracks full turn generation duration.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_turn_duration_seconds",
			Help:    "Turn generation duration from provider call to terminal status",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// TokensTotal tracks provider tokens processed.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_tokens_total",
			Help: "Total provider tokens processed",
		},
		[]string{"model", "direction"},
	)

	// CheckpointWritesTotal tracks durable content checkpoints during streaming.
	CheckpointWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_checkpoint_writes_total",
			Help: "Total streaming content checkpoints written to the store",
		},
	)

	// StaleTurnsSweptTotal tracks turns the reconciliation sweeper failed out.
	StaleTurnsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_stale_turns_swept_total",
			Help: "Total non-terminal turns marked failed by the sweeper",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records metrics for a completed turn generation.
func RecordTurn(model, status string, duration float64, tokensIn, tokensOut int) {
	TurnsTotal.WithLabelValues("assistant", status).Inc()
	TurnDuration.WithLabelValues(model, status).Observe(duration)
	TokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	TokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
