package retry

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Sentinel errors for retry store operations.
var (
	// ErrNotFound indicates no record exists for a key.
	ErrNotFound = errors.New("retry record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("retry store closed")
)

// Key identifies a retry record. Retries are tracked per (event, handler)
// so one failing handler never re-runs the handlers that succeeded.
type Key struct {
	EventID   string
	HandlerID string
}

// Record tracks one failed (event, handler) delivery.
type Record struct {
	EventID   string
	EventType string
	HandlerID string
	Envelope  event.Envelope

	// AttemptCount is the number of failed deliveries so far.
	AttemptCount  int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
	NextRetryAt   time.Time
	LastError     string

	// Exhausted marks a record whose retries are used up but whose
	// dead-letter write failed. Only the write is retried.
	Exhausted bool
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{EventID: r.EventID, HandlerID: r.HandlerID}
}

// Store persists retry records. At most one record exists per Key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put inserts or replaces the record for r.Key().
	Put(ctx context.Context, r Record) error

	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (Record, error)

	// Delete removes the record for key. Missing keys are not an error.
	Delete(ctx context.Context, key Key) error

	// Due returns up to limit records with NextRetryAt <= now, earliest
	// first. limit <= 0 means no limit.
	Due(ctx context.Context, now time.Time, limit int) ([]Record, error)

	// List returns every record, earliest NextRetryAt first.
	List(ctx context.Context) ([]Record, error)

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)

	// Close releases any resources.
	Close() error
}
