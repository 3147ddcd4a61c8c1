package event

import (
	"context"
	"time"
)

// Handler is a unit of domain logic subscribed to one or more event types.
//
// Handlers must be idempotent: the retry service re-invokes Process with the
// identical envelope after a failure.
type Handler interface {
	// ID uniquely identifies the handler. It is the retry and dead-letter
	// join key, so it must be stable across restarts.
	ID() string

	// Priority orders handlers for one event. Higher runs first.
	Priority() int

	// CanHandle reports whether the handler accepts the event type.
	CanHandle(eventType string) bool

	// Process handles one envelope.
	Process(ctx context.Context, env Envelope) error
}

// TypeLister is implemented by handlers that can enumerate the event types
// they accept. It is only used for statistics.
type TypeLister interface {
	EventTypes() []string
}

// ProcessFunc is the processing body of a handler built with NewHandler.
type ProcessFunc func(ctx context.Context, env Envelope) error

// NewHandler builds a Handler from a function.
// An empty types list accepts every event type.
func NewHandler(id string, priority int, types []string, fn ProcessFunc) Handler {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &funcHandler{
		id:       id,
		priority: priority,
		types:    append([]string(nil), types...),
		typeSet:  set,
		fn:       fn,
	}
}

type funcHandler struct {
	id       string
	priority int
	types    []string
	typeSet  map[string]struct{}
	fn       ProcessFunc
}

func (h *funcHandler) ID() string    { return h.id }
func (h *funcHandler) Priority() int { return h.priority }

func (h *funcHandler) CanHandle(eventType string) bool {
	if len(h.typeSet) == 0 {
		return true
	}
	_, ok := h.typeSet[eventType]
	return ok
}

func (h *funcHandler) Process(ctx context.Context, env Envelope) error {
	return h.fn(ctx, env)
}

func (h *funcHandler) EventTypes() []string {
	return h.types
}

// Result is the outcome of one handler invocation attempt.
type Result struct {
	EventID   string
	EventType string
	HandlerID string
	Attempt   int
	Success   bool
	Duration  time.Duration

	// Error is set iff Success is false. It is a *HandlerError.
	Error error
}

// ProcessingTimeMs returns the handler duration in milliseconds.
func (r Result) ProcessingTimeMs() float64 {
	return float64(r.Duration) / float64(time.Millisecond)
}

// Failed counts the failed results in a slice.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
