// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package metrics exposes Prometheus instrumentation for the presence service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for:
// - WebSocket connections and protocol events
// - Connection registration and the shutdown sweep
// - Audience admission/eviction
// - Geo store latency and circuit breaker state
// - Cross-process fanout
// - HTTP endpoints

var (
	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapsight_websocket_connections",
			Help: "Current number of live WebSocket connections held by this process",
		},
	)

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"event"},
	)

	WSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_websocket_messages_received_total",
			Help: "Total number of WebSocket messages received",
		},
		[]string{"event"},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"}, // "upgrade", "decode", "write", "send_buffer_full"
	)

	// Connection Lifecycle Metrics
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_registrations_total",
			Help: "Connection registrations by result",
		},
		[]string{"result"}, // "registered", "rejected"
	)

	ConnectionStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_connection_state_transitions_total",
			Help: "Connection state machine transitions by target state",
		},
		[]string{"state"},
	)

	ShutdownDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_shutdown_disconnects_total",
			Help: "Sockets handled by the shutdown sweep by result",
		},
		[]string{"result"}, // "removed", "missing", "failed", "timeout"
	)

	// Protocol Metrics
	ProtocolEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_protocol_events_total",
			Help: "Inbound protocol events by event and result",
		},
		[]string{"event", "result"}, // result: "ok", "invalid", "failed"
	)

	PipelineStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_pipeline_step_failures_total",
			Help: "refresh-map-view pipeline steps that failed",
		},
		[]string{"step"},
	)

	AudienceChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_audience_changes_total",
			Help: "Audience edges written by operation and side",
		},
		[]string{"operation", "side"}, // operation: "admit", "evict"; side: "own", "reciprocal"
	)

	ReciprocalWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_reciprocal_write_failures_total",
			Help: "Reciprocal audience writes that failed and were left for the next refresh",
		},
		[]string{"operation"},
	)

	// Geo Store Metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapsight_store_operation_duration_seconds",
			Help:    "Duration of geo store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	StoreOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_store_operation_errors_total",
			Help: "Geo store operations that returned an error",
		},
		[]string{"operation", "error_type"}, // error_type: "not_found", "duplicate", "unavailable", "invalid", "other"
	)

	StoreBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mapsight_store_circuit_breaker_state",
			Help: "Geo store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Fanout Metrics
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_fanout_deliveries_total",
			Help: "Messages delivered to sockets by path",
		},
		[]string{"path"}, // "local", "relay"
	)

	FanoutPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsight_fanout_envelopes_published_total",
			Help: "Envelopes published to the cross-process transport",
		},
	)

	FanoutErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_fanout_errors_total",
			Help: "Fanout failures by stage",
		},
		[]string{"stage"}, // "encode", "publish", "decode"
	)

	// HTTP Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsight_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapsight_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordStoreOp records the latency and outcome class of a geo store call.
func RecordStoreOp(operation string, duration time.Duration, errorType string) {
	StoreOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if errorType != "" {
		StoreOpErrors.WithLabelValues(operation, errorType).Inc()
	}
}

// RecordRegistration records the outcome of a connection registration.
func RecordRegistration(ok bool) {
	if ok {
		Registrations.WithLabelValues("registered").Inc()
		WSConnections.Inc()
		return
	}
	Registrations.WithLabelValues("rejected").Inc()
}

// RecordDeregistration decrements the live connection gauge.
func RecordDeregistration() {
	WSConnections.Dec()
}

// RecordStateTransition records a connection entering state.
func RecordStateTransition(state string) {
	ConnectionStates.WithLabelValues(state).Inc()
}

// RecordProtocolEvent records the outcome of an inbound event.
func RecordProtocolEvent(event, result string) {
	ProtocolEvents.WithLabelValues(event, result).Inc()
}

// RecordPipelineFailure records a failed refresh-map-view step.
func RecordPipelineFailure(step string) {
	PipelineStepFailures.WithLabelValues(step).Inc()
}

// RecordAudienceChange records n audience edges written.
func RecordAudienceChange(operation, side string, n int) {
	if n > 0 {
		AudienceChanges.WithLabelValues(operation, side).Add(float64(n))
	}
}

// RecordReciprocalFailure records a reciprocal write left for later repair.
func RecordReciprocalFailure(operation string) {
	ReciprocalWriteFailures.WithLabelValues(operation).Inc()
}

// RecordShutdownDisconnect records one socket handled by the shutdown sweep.
func RecordShutdownDisconnect(result string) {
	ShutdownDisconnects.WithLabelValues(result).Inc()
}

// RecordFanoutDelivery records n deliveries along path.
func RecordFanoutDelivery(path string, n int) {
	if n > 0 {
		FanoutDeliveries.WithLabelValues(path).Add(float64(n))
	}
}

// SetBreakerState publishes the numeric state of a named circuit breaker.
func SetBreakerState(name string, state int) {
	StoreBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordHTTPRequest records one served request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
