// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the proxy exports, grouped by
// the component that updates it.
type Metrics struct {
	// Tick / egress engine
	FlushDuration    prometheus.Histogram
	BVHRebuildDuration prometheus.Histogram
	RecordsPerTick   prometheus.Histogram
	PacketsDropped   *prometheus.CounterVec // label: addressing
	QueueDepth       prometheus.Histogram

	// Connection table
	ActiveStreams prometheus.Gauge
	StreamsTotal  prometheus.Counter
	StreamsFatal  *prometheus.CounterVec // label: reason

	// Ingress
	FramesForwarded    prometheus.Counter
	IngressRateLimited prometheus.Counter
	StreamRateLimited  prometheus.Counter

	// Control channel
	ControlChannelReconnects prometheus.Counter
	ControlChannelProtocolErrors prometheus.Counter

	// Arena pool
	ArenaIdleCount prometheus.Gauge
}

// New creates a Metrics instance registering every collector under
// namespace (defaulting to "tickproxy").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tickproxy"
	}

	return &Metrics{
		FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time to Sort+Dispatch+Write one flush group.",
			Buckets:   prometheus.DefBuckets,
		}),
		BVHRebuildDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bvh_rebuild_duration_seconds",
			Help:      "Time to bulk-rebuild the spatial index for one tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		RecordsPerTick: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "records_per_tick",
			Help:      "Number of PacketRecords staged in one flush group.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		PacketsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Optional packets dropped due to back-pressure, by addressing mode.",
		}, []string{"addressing"}),
		QueueDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_queue_bytes",
			Help:      "Per-stream outbound queue size observed at write time.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of currently connected client streams.",
		}),
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total streams ever accepted.",
		}),
		StreamsFatal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_fatal_total",
			Help:      "Streams moved to Closing due to a fatal condition, by reason.",
		}, []string{"reason"}),
		FramesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_frames_forwarded_total",
			Help:      "Client frames forwarded to the simulation as ClientData.",
		}),
		IngressRateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_rate_limited_total",
			Help:      "Accept attempts rejected by the ingress admission rate limiter.",
		}),
		StreamRateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_stream_rate_limited_total",
			Help:      "Client frames dropped by the per-stream ingress rate limiter.",
		}),
		ControlChannelReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_channel_reconnects_total",
			Help:      "Times the control channel dial/reconnect loop re-established a connection.",
		}),
		ControlChannelProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_channel_protocol_errors_total",
			Help:      "Malformed or inconsistent control-channel records logged and dropped.",
		}),
		ArenaIdleCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_pool_idle",
			Help:      "Idle per-tick byte arenas currently held by the pool.",
		}),
	}
}

// ObserveFlushDuration implements egress.TickObserver.
func (m *Metrics) ObserveFlushDuration(d time.Duration) {
	m.FlushDuration.Observe(d.Seconds())
}

// ObserveBVHRebuildDuration implements egress.TickObserver.
func (m *Metrics) ObserveBVHRebuildDuration(d time.Duration) {
	m.BVHRebuildDuration.Observe(d.Seconds())
}
