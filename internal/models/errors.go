package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrEventNotFound is returned when an update targets an unknown or already processed event
var ErrEventNotFound = errors.New("outbox event not found or already processed")

// StoreError wraps persistence failures. The worker treats it as transient.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("outbox store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// PublishError is scoped to a single event delivery attempt
type PublishError struct {
	EventID   uuid.UUID
	EventType string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (%s): %v", e.EventType, e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err carries a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
