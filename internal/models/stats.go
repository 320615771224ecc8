package models

import "time"

// HealthStatus is shared by every component health report
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// FetchFilters narrows FetchPending. Zero values mean "no filter".
type FetchFilters struct {
	EventTypes    []string
	AggregateType string
	AggregateID   string
	// MaxAttempts > 0 excludes events that already reached the attempt cap
	MaxAttempts int
}

type Pagination struct {
	Limit  int
	Offset int
}

// OutboxStats is the operator view of the outbox table
type OutboxStats struct {
	TotalEvents           int64            `json:"totalEvents"`
	ProcessedEvents       int64            `json:"processedEvents"`
	PendingEvents         int64            `json:"pendingEvents"`
	FailedEvents          int64            `json:"failedEvents"`
	OldestPendingEvent    *time.Time       `json:"oldestPendingEvent,omitempty"`
	EventTypeDistribution map[string]int64 `json:"eventTypeDistribution"`
}

type StoreHealth struct {
	Status        HealthStatus `json:"status"`
	Message       string       `json:"message"`
	PendingCount  int64        `json:"pendingCount"`
	OldestPending *time.Time   `json:"oldestPending,omitempty"`
}

const (
	// PendingWarningThreshold flips store health to warning when the backlog grows past it
	PendingWarningThreshold = 1000
	// OldestPendingWarningAge flips store health to warning when the head of the queue is this old
	OldestPendingWarningAge = 5 * time.Minute
)

// EvaluateStoreHealth applies the backlog thresholds shared by every store implementation
func EvaluateStoreHealth(pending int64, oldest *time.Time, now time.Time) StoreHealth {
	h := StoreHealth{
		Status:        HealthHealthy,
		Message:       "outbox is draining normally",
		PendingCount:  pending,
		OldestPending: oldest,
	}

	switch {
	case pending > PendingWarningThreshold:
		h.Status = HealthWarning
		h.Message = "outbox backlog above threshold"
	case oldest != nil && now.Sub(*oldest) > OldestPendingWarningAge:
		h.Status = HealthWarning
		h.Message = "oldest pending event is older than " + OldestPendingWarningAge.String()
	}

	return h
}
