package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxLastErrorBytes bounds the error message persisted on a failed attempt
const MaxLastErrorBytes = 1024

// EventContext carries request metadata that caused the event
type EventContext struct {
	UserID        string `json:"userId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	IPAddress     string `json:"ipAddress,omitempty"`
}

// OutboxEvent is one row of the outbox table.
// Identity fields (EventID, AggregateID, EventData) never change after insert.
type OutboxEvent struct {
	ID            int64           `db:"id"`
	EventID       uuid.UUID       `db:"event_id"`
	EventType     string          `db:"event_type"`
	EventVersion  int             `db:"event_version"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventData     json.RawMessage `db:"event_data"`
	EventContext  *EventContext   `db:"event_context"`
	OccurredOn    time.Time       `db:"occurred_on"`
	Processed     bool            `db:"processed"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	Attempts      int             `db:"attempts"`
	LastAttemptAt *time.Time      `db:"last_attempt_at"`
	LastError     *string         `db:"last_error"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// NewEventParams is the input accepted from business code when recording an event
type NewEventParams struct {
	EventID       uuid.UUID
	EventType     string
	EventVersion  int
	AggregateID   string
	AggregateType string
	Data          any
	Context       *EventContext
	OccurredOn    time.Time
}

var (
	ErrEventTypeRequired      = errors.New("event type is required")
	ErrAggregateRequired      = errors.New("aggregate id and type are required")
	ErrEventVersionInvalid    = errors.New("event version must be >= 1")
	ErrEventDataNotJSONObject = errors.New("event data must serialize to a JSON object")
)

// NewOutboxEvent validates the params and builds a pending event ready to be appended
func NewOutboxEvent(p NewEventParams) (*OutboxEvent, error) {
	eventType := strings.TrimSpace(p.EventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if strings.TrimSpace(p.AggregateID) == "" || strings.TrimSpace(p.AggregateType) == "" {
		return nil, ErrAggregateRequired
	}

	version := p.EventVersion
	if version == 0 {
		version = 1
	}
	if version < 1 {
		return nil, ErrEventVersionInvalid
	}

	data, err := encodeEventData(p.Data)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventType, err)
	}

	eventID := p.EventID
	if eventID == uuid.Nil {
		eventID = uuid.New()
	}

	now := time.Now().UTC()
	occurredOn := p.OccurredOn
	if occurredOn.IsZero() {
		occurredOn = now
	}

	return &OutboxEvent{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		AggregateID:   p.AggregateID,
		AggregateType: p.AggregateType,
		EventData:     data,
		EventContext:  p.Context,
		OccurredOn:    occurredOn.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func encodeEventData(data any) (json.RawMessage, error) {
	var raw []byte

	switch v := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize event data: %w", err)
		}
		raw = b
	}

	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrEventDataNotJSONObject
	}

	return json.RawMessage(trimmed), nil
}

// IsStuck reports whether the event exhausted its attempts and waits for an operator reset
func (e *OutboxEvent) IsStuck(maxAttempts int) bool {
	return !e.Processed && maxAttempts > 0 && e.Attempts >= maxAttempts
}

// TruncateError keeps persisted error messages inside the column budget
func TruncateError(msg string) string {
	if len(msg) <= MaxLastErrorBytes {
		return msg
	}

	cut := MaxLastErrorBytes
	// avoid splitting a multi-byte rune
	for cut > 0 && (msg[cut]&0xC0) == 0x80 {
		cut--
	}
	return msg[:cut]
}
