package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

type scheduled struct {
	eventID   string
	handlerID string
	cause     error
	ctxErr    error
}

// recordingSink captures everything the bus reports.
type recordingSink struct {
	mu        sync.Mutex
	attempts  int
	successes int
	failures  map[string]int
	scheduled []scheduled
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failures: make(map[string]int)}
}

func (s *recordingSink) RecordAttempt(_ context.Context, _ string) {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
}

func (s *recordingSink) RecordSuccess(_ context.Context, _ string, _ time.Duration) {
	s.mu.Lock()
	s.successes++
	s.mu.Unlock()
}

func (s *recordingSink) RecordFailure(_ context.Context, _, kind string) {
	s.mu.Lock()
	s.failures[kind]++
	s.mu.Unlock()
}

func (s *recordingSink) Schedule(ctx context.Context, env event.Envelope, handlerID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, scheduled{
		eventID:   env.ID(),
		handlerID: handlerID,
		cause:     cause,
		ctxErr:    ctx.Err(),
	})
	return nil
}

func appendOrder(mu *sync.Mutex, order *[]string, id string) event.ProcessFunc {
	return func(ctx context.Context, env event.Envelope) error {
		mu.Lock()
		*order = append(*order, id)
		mu.Unlock()
		return nil
	}
}

func TestPublishPriorityOrder(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var mu sync.Mutex
	var order []string

	for _, h := range []struct {
		id       string
		priority int
	}{
		{"low", 1},
		{"high-a", 10},
		{"mid", 5},
		{"high-b", 10},
	} {
		if err := bus.Register(event.NewHandler(h.id, h.priority, []string{"stock.updated"}, appendOrder(&mu, &order, h.id))); err != nil {
			t.Fatalf("register %s: %v", h.id, err)
		}
	}

	results, err := bus.Publish(context.Background(), event.New("stock.updated", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"high-a", "high-b", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("expected %d invocations, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
		if results[i].HandlerID != want[i] {
			t.Errorf("result %d: expected %s, got %s", i, want[i], results[i].HandlerID)
		}
	}
}

func TestPublishFailureIsolation(t *testing.T) {
	sink := newRecordingSink()
	bus := event.NewBus(event.BusConfig{Metrics: sink, Failures: sink})
	defer bus.Close()

	boom := errors.New("boom")
	var secondRan bool

	_ = bus.Register(event.NewHandler("first", 10, []string{"order.placed"}, func(ctx context.Context, env event.Envelope) error {
		return boom
	}))
	_ = bus.Register(event.NewHandler("second", 5, []string{"order.placed"}, func(ctx context.Context, env event.Envelope) error {
		secondRan = true
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	env := event.New("order.placed", map[string]any{"order_id": "o-1"})
	results, err := bus.Publish(ctx, env)
	cancel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !secondRan {
		t.Error("second handler should run after the first failed")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Success || results[0].Error == nil {
		t.Errorf("expected first result to fail with an error, got %+v", results[0])
	}
	if !results[1].Success || results[1].Error != nil {
		t.Errorf("expected second result to succeed, got %+v", results[1])
	}

	var herr *event.HandlerError
	if !errors.As(results[0].Error, &herr) {
		t.Fatalf("expected *HandlerError, got %T", results[0].Error)
	}
	if herr.HandlerID != "first" || herr.Attempt != 1 || !errors.Is(herr, boom) {
		t.Errorf("unexpected handler error: %+v", herr)
	}

	if len(sink.scheduled) != 1 {
		t.Fatalf("expected 1 scheduled retry, got %d", len(sink.scheduled))
	}
	got := sink.scheduled[0]
	if got.eventID != env.ID() || got.handlerID != "first" {
		t.Errorf("unexpected schedule: %+v", got)
	}
	if !errors.Is(got.cause, boom) {
		t.Errorf("expected cause boom, got %v", got.cause)
	}
	if got.ctxErr != nil {
		t.Errorf("schedule context should not be canceled, got %v", got.ctxErr)
	}

	if sink.attempts != 2 || sink.successes != 1 || sink.failures["unknown"] != 1 {
		t.Errorf("unexpected metrics: attempts=%d successes=%d failures=%v",
			sink.attempts, sink.successes, sink.failures)
	}
}

func TestPublishRecoversPanics(t *testing.T) {
	sink := newRecordingSink()
	bus := event.NewBus(event.BusConfig{Metrics: sink, Failures: sink})
	defer bus.Close()

	_ = bus.Register(event.NewHandler("panicky", 1, nil, func(ctx context.Context, env event.Envelope) error {
		panic("handler exploded")
	}))

	results, err := bus.Publish(context.Background(), event.New("anything", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected one failed result, got %+v", results)
	}

	var perr *ecerrors.PanicError
	if !errors.As(results[0].Error, &perr) {
		t.Fatalf("expected panic error, got %v", results[0].Error)
	}
	if sink.failures["panic"] != 1 {
		t.Errorf("expected failure kind panic, got %v", sink.failures)
	}
}

func TestPublishNoHandlers(t *testing.T) {
	sink := newRecordingSink()
	bus := event.NewBus(event.BusConfig{Metrics: sink})
	defer bus.Close()

	_ = bus.Register(event.NewHandler("orders", 1, []string{"order.placed"}, func(ctx context.Context, env event.Envelope) error {
		return nil
	}))

	results, err := bus.Publish(context.Background(), event.New("supplier.updated", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
	if sink.attempts != 0 {
		t.Errorf("expected no attempts, got %d", sink.attempts)
	}
}

func TestPublishClosedBus(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	_, err := bus.Publish(context.Background(), event.New("stock.updated", nil))
	if !errors.Is(err, event.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}

	_, err = bus.Dispatch(context.Background(), event.New("stock.updated", nil), "any", 2)
	if !errors.Is(err, event.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed from Dispatch, got %v", err)
	}
}

func TestPublishInvalidEnvelope(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	_, err := bus.Publish(context.Background(), event.New("", nil))
	if !errors.Is(err, event.ErrInvalidEnvelope) {
		t.Errorf("expected ErrInvalidEnvelope, got %v", err)
	}

	_, err = bus.Publish(context.Background(), event.Envelope{})
	if !errors.Is(err, event.ErrInvalidEnvelope) {
		t.Errorf("expected ErrInvalidEnvelope for zero envelope, got %v", err)
	}
}

func TestRegisterRejectsInvalidHandlers(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	noop := func(ctx context.Context, env event.Envelope) error { return nil }

	if err := bus.Register(nil); !errors.Is(err, event.ErrInvalidHandler) {
		t.Errorf("expected ErrInvalidHandler for nil, got %v", err)
	}
	if err := bus.Register(event.NewHandler("  ", 1, nil, noop)); !errors.Is(err, event.ErrInvalidHandler) {
		t.Errorf("expected ErrInvalidHandler for blank id, got %v", err)
	}
	if err := bus.Register(event.NewHandler("stock", 1, nil, noop)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := bus.Register(event.NewHandler("stock", 2, nil, noop)); !errors.Is(err, event.ErrDuplicateHandler) {
		t.Errorf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestRegisterAllIsAllOrNothing(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	noop := func(ctx context.Context, env event.Envelope) error { return nil }
	stock := event.NewHandler("stock", 1, nil, noop)
	audit := event.NewHandler("audit", 1, nil, noop)

	if err := bus.RegisterAll(stock, audit, event.NewHandler("stock", 2, nil, noop)); !errors.Is(err, event.ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler for repeated id, got %v", err)
	}
	if bus.Has("stock") || bus.Has("audit") {
		t.Fatal("rejected batch must not register anything")
	}
	if err := bus.RegisterAll(audit, nil); !errors.Is(err, event.ErrInvalidHandler) {
		t.Fatalf("expected ErrInvalidHandler for nil, got %v", err)
	}
	if bus.Has("audit") {
		t.Fatal("rejected batch must not register anything")
	}

	if err := bus.RegisterAll(stock, audit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bus.Has("stock") || !bus.Has("audit") {
		t.Fatal("expected both handlers registered")
	}

	ledger := event.NewHandler("ledger", 1, nil, noop)
	if err := bus.RegisterAll(ledger, event.NewHandler("stock", 3, nil, noop)); !errors.Is(err, event.ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler for registered id, got %v", err)
	}
	if bus.Has("ledger") {
		t.Error("ledger must not be registered alongside a duplicate")
	}
}

func TestDispatch(t *testing.T) {
	sink := newRecordingSink()
	bus := event.NewBus(event.BusConfig{Metrics: sink, Failures: sink})
	defer bus.Close()

	var calls int
	_ = bus.Register(event.NewHandler("flaky", 1, []string{"order.placed"}, func(ctx context.Context, env event.Envelope) error {
		calls++
		return errors.New("still failing")
	}))
	_ = bus.Register(event.NewHandler("other", 5, []string{"order.placed"}, func(ctx context.Context, env event.Envelope) error {
		t.Error("dispatch must only invoke the named handler")
		return nil
	}))

	res, err := bus.Dispatch(context.Background(), event.New("order.placed", nil), "flaky", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Attempt != 3 || calls != 1 {
		t.Errorf("unexpected result %+v (calls=%d)", res, calls)
	}
	if len(sink.scheduled) != 0 {
		t.Errorf("dispatch must not forward failures, got %d", len(sink.scheduled))
	}
	if sink.attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", sink.attempts)
	}

	_, err = bus.Dispatch(context.Background(), event.New("order.placed", nil), "missing", 2)
	if !errors.Is(err, event.ErrHandlerNotFound) {
		t.Errorf("expected ErrHandlerNotFound, got %v", err)
	}
}

type bareHandler struct{ id string }

func (h bareHandler) ID() string                                   { return h.id }
func (h bareHandler) Priority() int                                { return 0 }
func (h bareHandler) CanHandle(string) bool                        { return true }
func (h bareHandler) Process(context.Context, event.Envelope) error { return nil }

func TestHandlerCounts(t *testing.T) {
	bus := event.NewBus(event.BusConfig{
		Middleware: []event.Middleware{event.Recovery()},
	})
	defer bus.Close()

	noop := func(ctx context.Context, env event.Envelope) error { return nil }
	_ = bus.Register(event.NewHandler("stock", 10, []string{"stock.updated", "product.created"}, noop))
	_ = bus.Register(event.NewHandler("orders", 5, []string{"order.placed", "stock.updated"}, noop))
	_ = bus.Register(bareHandler{id: "audit"})

	counts := bus.HandlerCounts()
	want := map[string]int{
		"stock.updated":    2,
		"product.created":  1,
		"order.placed":     1,
		event.WildcardType: 1,
	}
	if len(counts) != len(want) {
		t.Fatalf("expected %v, got %v", want, counts)
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("%s: expected %d, got %d", k, v, counts[k])
		}
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	sink := newRecordingSink()
	bus := event.NewBus(event.BusConfig{
		Metrics:    sink,
		Middleware: []event.Middleware{event.Timeout(20 * time.Millisecond)},
	})
	defer bus.Close()

	_ = bus.Register(event.NewHandler("slow", 1, nil, func(ctx context.Context, env event.Envelope) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}))

	results, err := bus.Publish(context.Background(), event.New("report.requested", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected timeout failure, got %+v", results)
	}
	if got := ecerrors.Categorize(results[0].Error); got != ecerrors.CategoryTimeout {
		t.Errorf("expected timeout category, got %s", got)
	}
	if sink.failures["timeout"] != 1 {
		t.Errorf("expected failure kind timeout, got %v", sink.failures)
	}
}

func TestSetFailureSink(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	_ = bus.Register(event.NewHandler("fails", 1, nil, func(ctx context.Context, env event.Envelope) error {
		return errors.New("nope")
	}))

	// No sink yet: the failure is only reported in the result.
	if _, err := bus.Publish(context.Background(), event.New("x", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink := newRecordingSink()
	bus.SetFailureSink(sink)
	if _, err := bus.Publish(context.Background(), event.New("x", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.scheduled) != 1 {
		t.Errorf("expected 1 scheduled failure, got %d", len(sink.scheduled))
	}
}
