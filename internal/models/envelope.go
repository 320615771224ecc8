package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the message body delivered to the broker
type Envelope struct {
	EventID       uuid.UUID       `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventVersion  int             `json:"eventVersion"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	Data          json.RawMessage `json:"data"`
	Context       *EventContext   `json:"context,omitempty"`
	OccurredOn    time.Time       `json:"occurredOn"`
}

func (e *OutboxEvent) Envelope() Envelope {
	return Envelope{
		EventID:       e.EventID,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Data:          e.EventData,
		Context:       e.EventContext,
		OccurredOn:    e.OccurredOn,
	}
}

// EstimateBytes approximates the serialized size of the event, used for batch telemetry
func (e *OutboxEvent) EstimateBytes() int {
	return len(e.EventData) + len(e.EventType) + len(e.AggregateID) + len(e.AggregateType) + 128
}
