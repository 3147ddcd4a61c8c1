// Package observability provides structured logging, metrics, and tracing
// for the event core.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every logging helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with event_id, event_type, and handler_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "evt-123", "stock.updated", "inventory")
//	enriched.Info("applying delta") // includes event_id, event_type, handler_id
func EnrichLogger(logger *slog.Logger, eventID, eventType, handlerID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler_id", handlerID),
	)
}

// LogPublishStart logs the start of a publish call.
func LogPublishStart(logger *slog.Logger, eventID, eventType string) {
	if logger == nil {
		return
	}
	logger.Debug("publishing event",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
	)
}

// LogPublishComplete logs a finished publish call.
func LogPublishComplete(logger *slog.Logger, eventID, eventType string, handlers, failed int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("handlers", handlers),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogPublishError logs a publish call that could not reach the bus.
func LogPublishError(logger *slog.Logger, eventID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("publish failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogHandlerFailure logs a failed handler invocation.
func LogHandlerFailure(logger *slog.Logger, eventID, eventType, handlerID string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler_id", handlerID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogRetryScheduled logs a retry record being created or rescheduled.
func LogRetryScheduled(logger *slog.Logger, eventID, handlerID string, attempt int, next time.Time) {
	if logger == nil {
		return
	}
	logger.Info("retry scheduled",
		slog.String("event_id", eventID),
		slog.String("handler_id", handlerID),
		slog.Int("attempt", attempt),
		slog.Time("next_retry_at", next),
	)
}

// LogRetryResolved logs a retry that finally succeeded.
func LogRetryResolved(logger *slog.Logger, eventID, handlerID string, attempt int) {
	if logger == nil {
		return
	}
	logger.Info("retry succeeded",
		slog.String("event_id", eventID),
		slog.String("handler_id", handlerID),
		slog.Int("attempt", attempt),
	)
}

// LogDeadLettered logs an event moved to the dead-letter store.
func LogDeadLettered(logger *slog.Logger, eventID, eventType, handlerID string, attempts int, finalErr string) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("handler_id", handlerID),
		slog.Int("attempts", attempts),
		slog.String("error", finalErr),
	)
}

// LogStoreError logs a storage failure (non-fatal).
func LogStoreError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
