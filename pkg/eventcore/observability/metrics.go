package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder exports event core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAttempt records one handler invocation attempt.
	RecordAttempt(ctx context.Context, eventType string)

	// RecordSuccess records a successful handler invocation.
	RecordSuccess(ctx context.Context, eventType string, duration time.Duration)

	// RecordFailure records a failed handler invocation.
	RecordFailure(ctx context.Context, eventType, kind string)

	// RecordRetry records a re-dispatch issued by the retry service.
	RecordRetry(ctx context.Context, eventType string, success bool)

	// RecordDeadLetter records a delivery moved to the dead-letter store.
	RecordDeadLetter(ctx context.Context, eventType string)

	// RecordPublish records a publish call and how many handlers it reached.
	RecordPublish(ctx context.Context, eventType string, handlers int, duration time.Duration)

	// RecordPublishFailure records a publish call that never reached the handlers.
	RecordPublishFailure(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	attempts        metric.Int64Counter
	successes       metric.Int64Counter
	failures        metric.Int64Counter
	latency         metric.Float64Histogram
	retries         metric.Int64Counter
	deadLetters     metric.Int64Counter
	publishes       metric.Int64Counter
	publishFailures metric.Int64Counter
	publishLatency  metric.Float64Histogram
}

// newOtelMetrics creates OTel instruments from the global meter provider.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventcore")

	attempts, err := meter.Int64Counter("eventcore.dispatch.attempts",
		metric.WithDescription("Number of handler invocation attempts"),
	)
	if err != nil {
		return nil, err
	}

	successes, err := meter.Int64Counter("eventcore.dispatch.successes",
		metric.WithDescription("Number of successful handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("eventcore.dispatch.failures",
		metric.WithDescription("Number of failed handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("eventcore.dispatch.latency_ms",
		metric.WithDescription("Handler processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("eventcore.retry.attempts",
		metric.WithDescription("Number of re-dispatches issued by the retry service"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("eventcore.deadletter.entries",
		metric.WithDescription("Number of deliveries moved to the dead-letter store"),
	)
	if err != nil {
		return nil, err
	}

	publishes, err := meter.Int64Counter("eventcore.publish.events",
		metric.WithDescription("Number of events published"),
	)
	if err != nil {
		return nil, err
	}

	publishFailures, err := meter.Int64Counter("eventcore.publish.failures",
		metric.WithDescription("Number of publish calls that never reached the handlers"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("eventcore.publish.latency_ms",
		metric.WithDescription("Publish latency across all handlers in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		attempts:        attempts,
		successes:       successes,
		failures:        failures,
		latency:         latency,
		retries:         retries,
		deadLetters:     deadLetters,
		publishes:       publishes,
		publishFailures: publishFailures,
		publishLatency:  publishLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := newOtelMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func typeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

// RecordAttempt records one handler invocation attempt.
func (m *otelMetrics) RecordAttempt(ctx context.Context, eventType string) {
	m.attempts.Add(ctx, 1, typeAttr(eventType))
}

// RecordSuccess records a successful handler invocation.
func (m *otelMetrics) RecordSuccess(ctx context.Context, eventType string, duration time.Duration) {
	m.successes.Add(ctx, 1, typeAttr(eventType))
	m.latency.Record(ctx, Millis(duration), typeAttr(eventType))
}

// RecordFailure records a failed handler invocation.
func (m *otelMetrics) RecordFailure(ctx context.Context, eventType, kind string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("error_kind", kind),
	))
}

// RecordRetry records a re-dispatch issued by the retry service.
func (m *otelMetrics) RecordRetry(ctx context.Context, eventType string, success bool) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	))
}

// RecordDeadLetter records a delivery moved to the dead-letter store.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLetters.Add(ctx, 1, typeAttr(eventType))
}

// RecordPublish records a publish call.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, handlers int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Int("handlers", handlers),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, Millis(duration), attrs)
}

// RecordPublishFailure records a publish call the bus rejected.
func (m *otelMetrics) RecordPublishFailure(ctx context.Context, eventType string) {
	m.publishFailures.Add(ctx, 1, typeAttr(eventType))
}
