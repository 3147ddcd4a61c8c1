// Package event provides the envelope, handler contract and bus at the
// center of eventcore.
//
// # Envelopes
//
// An Envelope is an immutable description of one domain occurrence. Its ID
// is the join key across handler results, retry records and dead-letter
// entries:
//
//	env := event.New("stock.updated", StockDelta{SKU: "A-1", Delta: -3},
//	    event.WithSource("warehouse"),
//	)
//
// Envelopes round-trip through JSON so persistent stores can keep them.
// After a round trip the payload is raw JSON; DecodePayload returns a typed
// value either way:
//
//	delta, err := event.DecodePayload[StockDelta](env)
//
// # Handlers
//
// A Handler declares an ID, a priority and the event types it accepts.
// NewHandler builds one from a function:
//
//	h := event.NewHandler("stock", 10, []string{"stock.updated"},
//	    func(ctx context.Context, env event.Envelope) error { ... })
//
// Handlers must be idempotent. A failed (event, handler) pair is retried
// with the identical envelope.
//
// # Bus
//
// Publish runs every accepting handler sequentially, highest priority
// first, registration order breaking ties. Each invocation is timed,
// recovered from panics, counted and traced. A failure becomes a failed
// Result and is handed to the FailureSink; it never stops the remaining
// handlers.
//
//	bus := event.NewBus(event.BusConfig{
//	    Metrics:  collector,
//	    Failures: retryService,
//	    Logger:   slog.Default(),
//	})
//	_ = bus.Register(h)
//	results, err := bus.Publish(ctx, env)
//
// Dispatch re-invokes a single handler by ID and does not report to the
// FailureSink, so retries never schedule themselves.
//
// # Middleware
//
// Middleware wraps handlers without changing their identity:
//
//	h = event.Chain(h, event.Recovery(), event.Timeout(2*time.Second))
package event
