package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed tracks every delivery attempt made by the outbox worker
	// status: published, failed, exhausted, state_update_failed
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_total",
		Help: "Total number of outbox delivery attempts by outcome",
	}, []string{"status", "event_type"})

	// BatchDuration measures one full poll cycle (fetch + fan-out + state updates)
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_batch_duration_seconds",
		Help:    "Duration of an outbox poll cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_batch_size",
		Help:    "Number of events fetched per poll cycle",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_poll_errors_total",
		Help: "Poll cycles aborted by a store error",
	})

	PollsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_polls_skipped_total",
		Help: "Poll cycles skipped because another cycle was in progress",
	})

	// OutboxBacklog is the primary indicator of delivery lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_events",
		Help: "Current number of unprocessed events in the outbox",
	})

	// StuckEvents counts events at the attempt cap; they need RetryFailedEvents
	StuckEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_stuck_events",
		Help: "Current number of events that exhausted their delivery attempts",
	})

	CleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_cleanup_deleted_total",
		Help: "Processed events purged by the maintenance loop",
	})

	EventsReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_reset_total",
		Help: "Stuck events reintroduced by an operator retry",
	})

	// RabbitMQReconnections counts scheduled reconnect attempts
	RabbitMQReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_rabbitmq_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})

	// BrokerState exposes the connection state machine (0 disconnected, 1 connecting,
	// 2 connected, 3 reconnecting, 4 failed)
	BrokerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_rabbitmq_connection_state",
		Help: "Current RabbitMQ connection state",
	})

	BrokerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_rabbitmq_messages_total",
		Help: "Messages published on the shared channel by outcome",
	}, []string{"status"})

	// HealthStatus provides a binary 0/1 signal for the worker
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_worker_healthy",
		Help: "Worker health (1 healthy or warning, 0 error)",
	})
)
