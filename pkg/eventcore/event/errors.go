package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for bus operations.
var (
	// ErrBusClosed is returned when publishing to or dispatching through a
	// closed bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrHandlerNotFound is returned by Dispatch for an unregistered handler ID.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrInvalidEnvelope is returned for an envelope missing its type or ID.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrInvalidHandler is returned when registering a nil handler or one
	// without an ID.
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrDuplicateHandler is returned when registering a second handler
	// with an ID that is already taken.
	ErrDuplicateHandler = errors.New("duplicate handler id")
)

// HandlerError describes one failed handler invocation.
type HandlerError struct {
	EventID   string // The event that failed
	EventType string // Its type
	HandlerID string // Handler that failed
	Attempt   int    // Which attempt this was (1 = first delivery)
	Err       error  // Underlying error
}

// Error implements error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("event %s: handler %s (attempt %d): %v", e.EventID, e.HandlerID, e.Attempt, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
