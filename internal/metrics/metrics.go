// Package metrics provides Prometheus metrics for the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of connected realtime chat sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Number of currently connected chat sessions",
		},
	)

	// ActiveSubscriptions tracks live change-feed subscriptions held by the broker.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_feed_subscriptions",
			Help: "Number of live conversation subscriptions",
		},
	)

	// ListenerLeader is 1 while this instance holds the change feed leader lock.
	ListenerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_feed_listener_leader",
			Help: "Whether this instance runs the change feed listener",
		},
	)

	// FeedEvents counts decoded change events by kind and outcome.
	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_feed_events_total",
			Help: "Total number of change events handled by the feed",
		},
		[]string{"kind", "outcome"},
	)

	// MalformedEvents counts payloads rejected at the decode boundary.
	MalformedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_feed_malformed_events_total",
			Help: "Total number of change payloads rejected as malformed",
		},
	)

	// DroppedSubscribers counts subscribers closed because their buffer was full.
	DroppedSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_feed_dropped_subscribers_total",
			Help: "Total number of slow subscribers dropped by the broker",
		},
	)

	// Resubscribes counts live channel re-establishments after a drop.
	Resubscribes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_live_resubscribes_total",
			Help: "Total number of live channel re-subscription attempts",
		},
		[]string{"outcome"},
	)

	// StaleResults counts results discarded because the active conversation changed.
	StaleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stale_results_total",
			Help: "Total number of results discarded after a conversation switch",
		},
		[]string{"source"},
	)

	// MessagesSent counts confirmed message writes.
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of messages durably written",
		},
	)

	// ReadReceipts counts inbound messages flipped to read.
	ReadReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_read_receipts_total",
			Help: "Total number of messages marked read",
		},
		[]string{"trigger"},
	)

	// CommandDuration tracks session command latency.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_command_duration_seconds",
			Help:    "Duration of chat session commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
)
