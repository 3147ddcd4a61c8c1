package event

import (
	"context"
	"fmt"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

// Middleware wraps handlers to add cross-cutting concerns.
// A wrapped handler keeps the ID, priority, and accepted types of the
// handler it wraps.
type Middleware func(next Handler) Handler

// Chain applies middleware in order, with first middleware outermost.
func Chain(handler Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// wrapped overrides Process and delegates everything else.
type wrapped struct {
	Handler
	process ProcessFunc
}

func (w *wrapped) Process(ctx context.Context, env Envelope) error {
	return w.process(ctx, env)
}

func (w *wrapped) EventTypes() []string {
	if tl, ok := w.Handler.(TypeLister); ok {
		return tl.EventTypes()
	}
	return nil
}

// Wrap builds a handler that keeps h's identity but processes with fn.
func Wrap(h Handler, fn ProcessFunc) Handler {
	return &wrapped{Handler: h, process: fn}
}

// Recovery converts handler panics into errors of category panic.
// The bus always recovers panics itself; Recovery is for handlers invoked
// outside the bus.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return Wrap(next, func(ctx context.Context, env Envelope) error {
			return processSafely(ctx, next, env)
		})
	}
}

// Timeout bounds each invocation of the handler. The handler must honor
// context cancellation for the bound to take effect.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return Wrap(next, func(ctx context.Context, env Envelope) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			err := next.Process(ctx, env)
			if err == nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				return ecerrors.NewCategorized(err, ecerrors.CategoryTimeout,
					fmt.Sprintf("handler %s exceeded %s", next.ID(), d))
			}
			return err
		})
	}
}

// processSafely runs the handler and turns a panic into an error.
func processSafely(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ecerrors.PanicError{Value: r}
		}
	}()
	return h.Process(ctx, env)
}
