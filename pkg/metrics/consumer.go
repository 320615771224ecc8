package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumerDuration tracks handler latency per event type
	ConsumerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_processing_duration_seconds",
		Help:    "Time taken to handle a delivered event",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status", "event_type"}) // status: success, duplicate, ignored, fatal, transient

	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Total number of messages handled by the consumer",
	}, []string{"status", "queue"})

	ConsumerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_internal_retries_total",
		Help: "Handler retries performed before giving the delivery back to the broker",
	}, []string{"event_type"})

	// DeadLetters counts messages observed on the dead-letter queue
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_dead_letters_total",
		Help: "Dead-lettered messages fed back into the outbox",
	}, []string{"event_type"})
)
