// Package deadletter keeps deliveries that exhausted their retries.
//
// The store is append only. Entries are kept for inspection; replaying or
// removing them is left to operators.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Sentinel errors for dead-letter operations.
var (
	// ErrFull indicates a bounded store reached its MaxSize.
	ErrFull = errors.New("dead-letter store is full")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("dead-letter store closed")
)

// Entry is one (event, handler) delivery that will not be retried again.
type Entry struct {
	ID            string
	EventID       string
	EventType     string
	HandlerID     string
	Envelope      event.Envelope
	AttemptCount  int
	FinalError    string
	FirstFailedAt time.Time
	MovedAt       time.Time
}

// withDefaults assigns an ID and MovedAt when the caller left them empty.
func (e Entry) withDefaults() Entry {
	if e.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			e.ID = id.String()
		} else {
			e.ID = uuid.NewString()
		}
	}
	if e.MovedAt.IsZero() {
		e.MovedAt = time.Now().UTC()
	}
	if e.EventID == "" {
		e.EventID = e.Envelope.ID()
	}
	if e.EventType == "" {
		e.EventType = e.Envelope.Type()
	}
	return e
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	EventType string
	HandlerID string
	Since     time.Time // MovedAt >= Since
	Limit     int       // 0 = no limit
}

func (f *Filter) matches(e Entry) bool {
	if f == nil {
		return true
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.HandlerID != "" && e.HandlerID != f.HandlerID {
		return false
	}
	if !f.Since.IsZero() && e.MovedAt.Before(f.Since) {
		return false
	}
	return true
}

func (f *Filter) limit() int {
	if f == nil || f.Limit < 0 {
		return 0
	}
	return f.Limit
}

// Statistics summarizes the store contents.
type Statistics struct {
	Count       int
	ByEventType map[string]int
	ByHandler   map[string]int
	Oldest      time.Time // zero when empty
	Newest      time.Time // zero when empty
}

// Store persists dead-letter entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Add appends an entry. An empty ID or MovedAt is filled in.
	Add(ctx context.Context, entry Entry) error

	// List returns matching entries ordered by MovedAt ascending.
	// A nil filter returns everything.
	List(ctx context.Context, filter *Filter) ([]Entry, error)

	// Statistics summarizes the stored entries.
	Statistics(ctx context.Context) (Statistics, error)

	// Close releases any resources.
	Close() error
}
