// Package metrics holds the Prometheus collectors of the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streamscope"

var (
	// EventsReceived counts events applied by the aggregator.
	// Labels: type (message type)
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "events_received_total",
		Help:      "Events received by the aggregator",
	}, []string{"type"})

	// EventsDropped counts events the aggregator ignored.
	// Labels: reason (no_session, unknown_stream, duplicate)
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "events_dropped_total",
		Help:      "Events dropped by the aggregator",
	}, []string{"reason"})

	// MessagesRejected counts messages that failed decoding or validation.
	// Labels: stage (forwarder, aggregator, relay_ws, http)
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "messages_rejected_total",
		Help:      "Messages rejected during decoding",
	}, []string{"stage"})

	ThrottleDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "throttle_dropped_total",
		Help:      "Emissions discarded by per-stream queue overflow",
	})

	UplinkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "uplink_failures_total",
		Help:      "Messages lost to uplink send failures",
	})

	LogTrims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "emission_log_trims_total",
		Help:      "Emission logs truncated after reaching the high-water mark",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "active_sessions",
		Help:      "Tab sessions currently held",
	})

	AttachedPanels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "attached_panels",
		Help:      "Inspection panels currently attached",
	})

	// HTTPDuration measures request latency.
	// Labels: method, route (registered pattern), code
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)
