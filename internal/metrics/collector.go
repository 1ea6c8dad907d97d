// SPDX-License-Identifier: LGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for the node runtime:
// envelope throughput, the security filter chain, the persistent queue,
// and per-endpoint circuit breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai2ai"

// Registry is the collector registry the node's /metrics endpoint serves.
// Using a dedicated registry (rather than prometheus.DefaultRegisterer)
// keeps it safe to construct multiple nodes in one process for tests.
var Registry = prometheus.NewRegistry()

var (
	// EnvelopesReceived counts inbound envelopes by outcome.
	EnvelopesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "envelopes_total",
			Help:      "Total number of inbound envelopes by terminal status",
		},
		[]string{"type", "status"},
	)

	// FilterRejections counts rejections per security filter stage.
	FilterRejections = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "filter_rejections_total",
			Help:      "Total number of envelopes rejected by each filter stage",
		},
		[]string{"stage"},
	)

	// EnvelopesSent counts outbound envelopes by terminal status.
	EnvelopesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "envelopes_total",
			Help:      "Total number of outbound envelopes by terminal status",
		},
		[]string{"type", "status"},
	)

	// DeliveryDuration tracks end-to-end delivery attempt latency.
	DeliveryDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempt_duration_seconds",
			Help:      "Delivery attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)

	// CircuitState reports the current circuit breaker state per endpoint:
	// 0=closed, 1=half-open, 2=open.
	CircuitState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state per endpoint (0=closed,1=half-open,2=open)",
		},
		[]string{"endpoint"},
	)

	// QueueDepth reports the number of pending entries in the persistent queue.
	QueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of pending entries in the persistent outbound queue",
		},
	)

	// DLQSize reports the number of entries in the dead letter store.
	DLQSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "size",
			Help:      "Number of entries resting in the dead letter store",
		},
	)

	// PendingApprovals reports the number of unresolved approval requests.
	PendingApprovals = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "pending_approvals",
			Help:      "Number of unresolved pending approvals",
		},
	)

	// ConversationTransitions counts conversation state machine transitions.
	ConversationTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Total number of conversation state transitions",
		},
		[]string{"from", "to"},
	)
)
