package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope describes one domain occurrence.
// Envelopes are immutable once created: all fields are read through
// accessors and the value is passed by copy. The payload is opaque to the
// core and must not be mutated by handlers.
type Envelope struct {
	id            string
	eventType     string
	version       string
	source        string
	correlationID string
	occurredAt    time.Time
	payload       any
}

// ID returns the unique event identifier.
// It is the join key across results, retry records, and dead-letter entries.
func (e Envelope) ID() string { return e.id }

// Type returns the event type used for routing (e.g. "stock.updated").
func (e Envelope) Type() string { return e.eventType }

// Version returns the schema version tag. The core never interprets it.
func (e Envelope) Version() string { return e.version }

// Source returns the producing service, if set.
func (e Envelope) Source() string { return e.source }

// CorrelationID groups related events across services.
func (e Envelope) CorrelationID() string { return e.correlationID }

// OccurredAt returns when the event occurred.
func (e Envelope) OccurredAt() time.Time { return e.occurredAt }

// Payload returns the event payload. After a JSON round trip the payload
// is a json.RawMessage; use DecodePayload for typed access.
func (e Envelope) Payload() any { return e.payload }

// Validate checks the fields every producer must supply.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.eventType) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.id) == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidEnvelope)
	}
	return nil
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event ID (default: generated UUIDv7).
func WithEventID(id string) Option {
	return func(e *Envelope) {
		e.id = id
	}
}

// WithVersion sets the schema version tag (default: "1").
func WithVersion(v string) Option {
	return func(e *Envelope) {
		e.version = v
	}
}

// WithSource sets the producing service.
func WithSource(source string) Option {
	return func(e *Envelope) {
		e.source = source
	}
}

// WithCorrelationID sets the correlation ID (default: the event ID).
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		e.correlationID = id
	}
}

// WithOccurredAt sets the occurrence time (default: time.Now()).
func WithOccurredAt(t time.Time) Option {
	return func(e *Envelope) {
		e.occurredAt = t
	}
}

// New creates an envelope with the given type and payload.
func New(eventType string, payload any, opts ...Option) Envelope {
	e := Envelope{
		id:         newID(),
		eventType:  eventType,
		version:    "1",
		occurredAt: time.Now().UTC(),
		payload:    payload,
	}
	for _, opt := range opts {
		opt(&e)
	}

	// If no correlation ID, the event is the root of its chain
	if e.correlationID == "" {
		e.correlationID = e.id
	}
	return e
}

// newID returns a UUIDv7 identifier string, falling back to a random
// UUIDv4 if v7 generation fails.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// wireEnvelope is the serialized form used by persistent stores.
type wireEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := marshalPayload(e.payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload of event %s: %w", e.id, err)
	}
	return json.Marshal(wireEnvelope{
		ID:            e.id,
		Type:          e.eventType,
		Version:       e.version,
		Source:        e.source,
		CorrelationID: e.correlationID,
		OccurredAt:    e.occurredAt,
		Payload:       payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
// The payload is kept as a json.RawMessage.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		id:            w.ID,
		eventType:     w.Type,
		version:       w.Version,
		source:        w.Source,
		correlationID: w.CorrelationID,
		occurredAt:    w.OccurredAt,
	}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		e.payload = w.Payload
	}
	return nil
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// DecodePayload returns the envelope payload as T.
// It accepts the original typed value, a pointer to it, or serialized JSON
// (json.RawMessage, []byte, or a generic map from a decoded document).
func DecodePayload[T any](e Envelope) (T, error) {
	var out T

	switch p := e.payload.(type) {
	case T:
		return p, nil
	case *T:
		if p == nil {
			return out, fmt.Errorf("event %s: nil payload", e.id)
		}
		return *p, nil
	case json.RawMessage:
		if err := json.Unmarshal(p, &out); err != nil {
			return out, fmt.Errorf("event %s: decode payload: %w", e.id, err)
		}
		return out, nil
	case []byte:
		if err := json.Unmarshal(p, &out); err != nil {
			return out, fmt.Errorf("event %s: decode payload: %w", e.id, err)
		}
		return out, nil
	case map[string]any:
		raw, err := json.Marshal(p)
		if err != nil {
			return out, fmt.Errorf("event %s: re-encode payload: %w", e.id, err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("event %s: decode payload: %w", e.id, err)
		}
		return out, nil
	case nil:
		return out, fmt.Errorf("event %s: nil payload", e.id)
	default:
		return out, fmt.Errorf("event %s: unexpected payload type %T", e.id, p)
	}
}
