// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package metrics provides Prometheus instrumentation for the tracking
// pipeline: connection lifecycle, heartbeat sweeps, update ingestion, and
// liveness-cache health.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waypost_active_connections",
			Help: "Number of currently registered WebSocket connections on this worker",
		},
	)

	ConnectionsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypost_connections_admitted_total",
			Help: "Total number of connections admitted by the registry",
		},
	)

	ConnectionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypost_connections_evicted_total",
			Help: "Total number of connections force-closed because a newer connection for the same user arrived",
		},
	)

	HandshakeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypost_handshake_rejections_total",
			Help: "Total number of WebSocket handshakes rejected before upgrade",
		},
		[]string{"reason"}, // "missing_token", "invalid_token"
	)

	// Heartbeat

	HeartbeatSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypost_heartbeat_sweeps_total",
			Help: "Total number of heartbeat monitor sweeps",
		},
	)

	HeartbeatTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypost_heartbeat_terminations_total",
			Help: "Total number of connections terminated for missing a heartbeat interval",
		},
	)

	// Update pipeline

	UpdatesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waypost_updates_accepted_total",
			Help: "Total number of location updates validated and persisted",
		},
	)

	UpdatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypost_updates_rejected_total",
			Help: "Total number of location updates dropped before persistence",
		},
		[]string{"reason"}, // "invalid_coordinates", "invalid_timestamp", "rate_limited"
	)

	UpdatePersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waypost_update_persist_duration_seconds",
			Help:    "Duration of the append + last-known-location write pair",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Liveness cache

	CacheOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypost_cache_operation_errors_total",
			Help: "Total number of failed liveness-cache operations (best-effort, logged and dropped)",
		},
		[]string{"operation"}, // "set", "get", "delete", "ping"
	)

	// Durable store

	StoreOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waypost_store_operation_errors_total",
			Help: "Total number of failed durable-store operations",
		},
		[]string{"operation"},
	)

	// HTTP API

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waypost_api_request_duration_seconds",
			Help:    "Duration of REST API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	apiActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waypost_api_active_requests",
			Help: "Number of REST API requests currently in flight",
		},
	)
)

// RecordAPIRequest records a completed REST request.
func RecordAPIRequest(method, path string, status int, duration time.Duration) {
	apiRequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(active bool) {
	if active {
		apiActiveRequests.Inc()
	} else {
		apiActiveRequests.Dec()
	}
}
