// Package publisher is the producer-facing entry point to the event bus.
//
// PublishEvent and the batch variants deliver synchronously and return the
// handler results. PublishEventAsync and PublishEventWithDelay hand the
// envelope to a bounded worker pool and only log failures.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// SyntheticHandlerID is the HandlerID of the failed result that stands in
// for an envelope that never reached the bus in a batch publish.
const SyntheticHandlerID = "publisher"

// ErrClosed is logged when work is submitted after Close.
var ErrClosed = errors.New("publisher closed")

// errQueueFull is logged when the async queue has no room.
var errQueueFull = errors.New("publish queue full")

// Dispatcher delivers one envelope to its handlers. *event.Bus implements it.
type Dispatcher interface {
	Publish(ctx context.Context, env event.Envelope) ([]event.Result, error)
}

// PublishingFailure reports an envelope that could not be handed to the bus.
// Handler failures are not PublishingFailures; they are reported in the
// results.
type PublishingFailure struct {
	EventID   string
	EventType string
	Err       error
}

// Error implements error interface.
func (e *PublishingFailure) Error() string {
	return fmt.Sprintf("publish event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

// Unwrap returns the underlying error.
func (e *PublishingFailure) Unwrap() error {
	return e.Err
}

// Config configures a Publisher.
type Config struct {
	// Workers is the number of goroutines draining the async queue.
	// Default: 4
	Workers int

	// QueueSize bounds the async queue.
	// Default: 256
	QueueSize int

	// Parallelism limits concurrent publishes in PublishEventsParallel.
	// Default: 8
	Parallelism int
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		Parallelism: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	return c
}

// Stats reports publisher activity.
type Stats struct {
	Published int64 // envelopes handed to the bus
	Failures  int64 // envelopes the bus rejected
	Dropped   int64 // async submissions refused (queue full or closed)
	Queued    int   // async envelopes waiting for a worker
	Scheduled int   // delayed envelopes whose timer has not fired
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithRecorder sets the metrics recorder for publish counts and latency.
func WithRecorder(recorder observability.MetricsRecorder) Option {
	return func(p *Publisher) {
		if recorder != nil {
			p.recorder = recorder
		}
	}
}

type job struct {
	ctx context.Context
	env event.Envelope
}

// Publisher wraps a Dispatcher with logging, metrics, batching and a
// worker pool for fire-and-forget delivery.
type Publisher struct {
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	recorder   observability.MetricsRecorder

	queue   chan job
	workers sync.WaitGroup

	// mu guards closed, timers and sends on queue.
	mu        sync.Mutex
	closed    bool
	timers    map[uint64]*time.Timer
	nextTimer uint64

	published atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64
}

// New creates a publisher and starts its workers.
func New(dispatcher Dispatcher, cfg Config, opts ...Option) (*Publisher, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	cfg = cfg.withDefaults()

	p := &Publisher{
		dispatcher: dispatcher,
		cfg:        cfg,
		recorder:   observability.NoopMetrics{},
		queue:      make(chan job, cfg.QueueSize),
		timers:     make(map[uint64]*time.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p, nil
}

// PublishEvent delivers env and returns one result per handler.
// The error is a *PublishingFailure when env never reached the handlers.
func (p *Publisher) PublishEvent(ctx context.Context, env event.Envelope) ([]event.Result, error) {
	observability.LogPublishStart(p.logger, env.ID(), env.Type())
	done := observability.TimedOperation()

	results, err := p.dispatcher.Publish(ctx, env)
	if err != nil {
		p.failures.Add(1)
		p.recorder.RecordPublishFailure(ctx, env.Type())
		observability.LogPublishError(p.logger, env.ID(), env.Type(), err)
		return nil, &PublishingFailure{EventID: env.ID(), EventType: env.Type(), Err: err}
	}

	elapsed := done()
	p.published.Add(1)
	p.recorder.RecordPublish(ctx, env.Type(), len(results), elapsed)
	observability.LogPublishComplete(p.logger, env.ID(), env.Type(),
		len(results), event.Failed(results), observability.Millis(elapsed))
	return results, nil
}

// PublishEvents delivers each envelope in order. Slot i of the output
// belongs to envs[i]; an envelope that fails to publish gets a single
// failed result with HandlerID SyntheticHandlerID.
func (p *Publisher) PublishEvents(ctx context.Context, envs ...event.Envelope) [][]event.Result {
	out := make([][]event.Result, len(envs))
	for i, env := range envs {
		out[i] = p.publishOrFail(ctx, env)
	}
	return out
}

// PublishEventsParallel is PublishEvents with up to Config.Parallelism
// envelopes in flight. Slot i of the output still belongs to envs[i].
func (p *Publisher) PublishEventsParallel(ctx context.Context, envs ...event.Envelope) [][]event.Result {
	out := make([][]event.Result, len(envs))

	var g errgroup.Group
	g.SetLimit(p.cfg.Parallelism)
	for i, env := range envs {
		i, env := i, env
		g.Go(func() error {
			out[i] = p.publishOrFail(ctx, env)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Publisher) publishOrFail(ctx context.Context, env event.Envelope) []event.Result {
	results, err := p.PublishEvent(ctx, env)
	if err != nil {
		return []event.Result{{
			EventID:   env.ID(),
			EventType: env.Type(),
			HandlerID: SyntheticHandlerID,
			Error:     err,
		}}
	}
	return results
}

// PublishEventAsync queues env for a worker and returns immediately.
// The delivery outlives ctx's cancellation but keeps its values.
// Failures, including a full queue, are logged only.
func (p *Publisher) PublishEventAsync(ctx context.Context, env event.Envelope) {
	p.submit(context.WithoutCancel(ctx), env)
}

// PublishEventWithDelay queues env after delay. Pending delays are
// discarded by Close.
func (p *Publisher) PublishEventWithDelay(ctx context.Context, env event.Envelope, delay time.Duration) {
	ctx = context.WithoutCancel(ctx)
	if delay <= 0 {
		p.submit(ctx, env)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.drop(env, ErrClosed)
		return
	}

	id := p.nextTimer
	p.nextTimer++
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, id)
		p.mu.Unlock()

		p.submit(ctx, env)
	})
}

func (p *Publisher) submit(ctx context.Context, env event.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.drop(env, ErrClosed)
		return
	}

	select {
	case p.queue <- job{ctx: ctx, env: env}:
	default:
		p.drop(env, errQueueFull)
	}
}

func (p *Publisher) drop(env event.Envelope, reason error) {
	p.dropped.Add(1)
	observability.LogPublishError(p.logger, env.ID(), env.Type(), reason)
}

func (p *Publisher) worker() {
	defer p.workers.Done()
	for j := range p.queue {
		// PublishEvent already logs the failure
		_, _ = p.PublishEvent(j.ctx, j.env)
	}
}

// Stats returns publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	scheduled := len(p.timers)
	p.mu.Unlock()

	return Stats{
		Published: p.published.Load(),
		Failures:  p.failures.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
		Scheduled: scheduled,
	}
}

// Close stops accepting work, discards pending delays and waits for queued
// envelopes to be delivered or for ctx to end. Close is idempotent.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain publish queue: %w", ctx.Err())
	}
}
