package event

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
)

// WildcardType is the HandlerCounts key for handlers that do not declare
// their event types.
const WildcardType = "*"

// MetricsSink receives one attempt and one outcome per handler invocation.
// *metrics.Collector implements it.
type MetricsSink interface {
	RecordAttempt(ctx context.Context, eventType string)
	RecordSuccess(ctx context.Context, eventType string, elapsed time.Duration)
	RecordFailure(ctx context.Context, eventType, kind string)
}

// FailureSink receives handler failures from Publish.
// The retry service implements it.
type FailureSink interface {
	Schedule(ctx context.Context, env Envelope, handlerID string, cause error) error
}

// BusConfig configures a Bus. Every field is optional.
type BusConfig struct {
	// Metrics receives per-invocation counts.
	Metrics MetricsSink

	// Failures receives failed (event, handler) pairs from Publish.
	// It can also be set later with SetFailureSink.
	Failures FailureSink

	// Spans traces publish calls and handler invocations.
	Spans observability.SpanManager

	// Logger for debug and failure logs. Nil disables logging.
	Logger *slog.Logger

	// Middleware is applied to every handler at registration.
	Middleware []Middleware
}

// Bus fans envelopes out to registered handlers in priority order.
//
// Handlers run sequentially on the publishing goroutine. A failing handler
// never prevents the remaining handlers from running; its failure is
// returned as a Result and forwarded to the FailureSink.
type Bus struct {
	metrics    MetricsSink
	spans      observability.SpanManager
	logger     *slog.Logger
	middleware []Middleware

	// registerMu makes RegisterAll all-or-nothing.
	registerMu sync.Mutex
	handlers   *registry.Registry[string, Handler]

	sinkMu   sync.RWMutex
	failures FailureSink

	closed atomic.Bool
}

// NewBus creates a bus.
func NewBus(config BusConfig) *Bus {
	spans := config.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}
	return &Bus{
		metrics:    config.Metrics,
		spans:      spans,
		logger:     config.Logger,
		middleware: slices.Clone(config.Middleware),
		handlers:   registry.New[string, Handler](),
		failures:   config.Failures,
	}
}

// SetFailureSink replaces the sink that receives failures from Publish.
func (b *Bus) SetFailureSink(sink FailureSink) {
	b.sinkMu.Lock()
	b.failures = sink
	b.sinkMu.Unlock()
}

func (b *Bus) failureSink() FailureSink {
	b.sinkMu.RLock()
	defer b.sinkMu.RUnlock()
	return b.failures
}

// Register adds a handler.
// Handler IDs must be unique; the ID is how retries find the handler again.
func (b *Bus) Register(h Handler) error {
	return b.RegisterAll(h)
}

// RegisterAll adds every handler or none. The batch is rejected when any
// handler is nil, has a blank ID, repeats an ID within the batch or reuses
// an ID already registered.
func (b *Bus) RegisterAll(handlers ...Handler) error {
	b.registerMu.Lock()
	defer b.registerMu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}

	seen := make(map[string]struct{}, len(handlers))
	for _, h := range handlers {
		if h == nil {
			return fmt.Errorf("%w: nil handler", ErrInvalidHandler)
		}
		id := h.ID()
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty handler id", ErrInvalidHandler)
		}
		if _, dup := seen[id]; dup || b.handlers.Has(id) {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, id)
		}
		seen[id] = struct{}{}
	}

	for _, h := range handlers {
		id := h.ID()
		if err := b.handlers.Add(id, Chain(h, b.middleware...)); err != nil {
			if errors.Is(err, registry.ErrDuplicate) {
				return fmt.Errorf("%w: %s", ErrDuplicateHandler, id)
			}
			return err
		}
		if b.logger != nil {
			b.logger.Debug("handler registered",
				slog.String("handler_id", id),
				slog.Int("priority", h.Priority()),
			)
		}
	}
	return nil
}

// Has reports whether a handler with id is registered.
func (b *Bus) Has(id string) bool {
	return b.handlers.Has(id)
}

// Handlers returns the handlers accepting eventType, highest priority first.
// Equal priorities keep registration order.
func (b *Bus) Handlers(eventType string) []Handler {
	var matched []Handler
	for _, h := range b.handlers.Values() {
		if h.CanHandle(eventType) {
			matched = append(matched, h)
		}
	}
	slices.SortStableFunc(matched, func(x, y Handler) int {
		return cmp.Compare(y.Priority(), x.Priority())
	})
	return matched
}

// HandlerCounts returns the number of handlers per declared event type.
// Handlers that do not list their types are counted under WildcardType.
func (b *Bus) HandlerCounts() map[string]int {
	counts := make(map[string]int)
	b.handlers.Range(func(_ string, h Handler) bool {
		var types []string
		if tl, ok := h.(TypeLister); ok {
			types = tl.EventTypes()
		}
		if len(types) == 0 {
			counts[WildcardType]++
			return true
		}
		for _, t := range types {
			counts[t]++
		}
		return true
	})
	return counts
}

// Publish delivers env to every accepting handler and returns one Result
// per handler, in invocation order.
//
// The error is non-nil only when the envelope never reached the handlers:
// the bus is closed or the envelope is invalid. Handler failures are
// reported in the results.
func (b *Bus) Publish(ctx context.Context, env Envelope) ([]Result, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	ctx, span := b.spans.StartPublishSpan(ctx, env.ID(), env.Type())
	defer b.spans.EndSpanWithError(span, nil)

	handlers := b.Handlers(env.Type())
	results := make([]Result, 0, len(handlers))
	for _, h := range handlers {
		res := b.invoke(ctx, env, h, 1)
		if !res.Success {
			b.forward(ctx, env, h.ID(), res.Error)
		}
		results = append(results, res)
	}
	return results, nil
}

// Dispatch invokes a single handler by ID. The retry service uses it to
// re-attempt one (event, handler) pair; failures are not forwarded to the
// FailureSink.
func (b *Bus) Dispatch(ctx context.Context, env Envelope, handlerID string, attempt int) (Result, error) {
	if b.closed.Load() {
		return Result{}, ErrBusClosed
	}
	h, ok := b.handlers.Get(handlerID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrHandlerNotFound, handlerID)
	}
	return b.invoke(ctx, env, h, attempt), nil
}

// Close stops the bus. Subsequent publishes fail with ErrBusClosed.
// Close is idempotent.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.logger != nil {
		b.logger.Debug("event bus closed", slog.Int("handlers", b.handlers.Len()))
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (b *Bus) IsClosed() bool {
	return b.closed.Load()
}

// invoke runs one handler with timing, panic recovery, metrics and tracing.
func (b *Bus) invoke(ctx context.Context, env Envelope, h Handler, attempt int) Result {
	ctx, span := b.spans.StartHandlerSpan(ctx, h.ID(), attempt)

	if b.metrics != nil {
		b.metrics.RecordAttempt(ctx, env.Type())
	}

	start := time.Now()
	err := processSafely(ctx, h, env)
	elapsed := time.Since(start)

	b.spans.EndSpanWithError(span, err)

	res := Result{
		EventID:   env.ID(),
		EventType: env.Type(),
		HandlerID: h.ID(),
		Attempt:   attempt,
		Success:   err == nil,
		Duration:  elapsed,
	}

	if err == nil {
		if b.metrics != nil {
			b.metrics.RecordSuccess(ctx, env.Type(), elapsed)
		}
		return res
	}

	res.Error = &HandlerError{
		EventID:   env.ID(),
		EventType: env.Type(),
		HandlerID: h.ID(),
		Attempt:   attempt,
		Err:       err,
	}
	if b.metrics != nil {
		b.metrics.RecordFailure(ctx, env.Type(), ecerrors.Kind(err))
	}
	observability.LogHandlerFailure(b.logger, env.ID(), env.Type(), h.ID(), attempt, err)
	return res
}

// forward hands a failure to the FailureSink.
// The sink outlives the publish call, so cancellation is detached.
func (b *Bus) forward(ctx context.Context, env Envelope, handlerID string, failure error) {
	sink := b.failureSink()
	if sink == nil {
		return
	}

	cause := failure
	var herr *HandlerError
	if errors.As(failure, &herr) {
		cause = herr.Err
	}

	if err := sink.Schedule(context.WithoutCancel(ctx), env, handlerID, cause); err != nil {
		if b.logger != nil {
			b.logger.Error("failed to schedule retry",
				slog.String("event_id", env.ID()),
				slog.String("handler_id", handlerID),
				slog.String("error", err.Error()),
			)
		}
	}
}
