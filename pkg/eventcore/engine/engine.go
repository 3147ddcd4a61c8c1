package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/deadletter"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/metrics"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/publisher"
	"github.com/randalmurphal/eventcore/pkg/eventcore/retry"
	"github.com/randalmurphal/eventcore/pkg/eventcore/storage"
)

// ErrShutdown is returned by Initialize after Shutdown.
var ErrShutdown = errors.New("engine shut down")

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	recorder   observability.MetricsRecorder
	spans      observability.SpanManager
	retryStore retry.Store
	deadStore  deadletter.Store
	clock      func() time.Time
}

// WithLogger sets the logger shared by every component. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetricsRecorder exports delivery, retry and publish metrics.
// Default: no export.
func WithMetricsRecorder(recorder observability.MetricsRecorder) Option {
	return func(o *options) {
		o.recorder = recorder
	}
}

// WithSpanManager traces publishes and handler invocations.
// Default: no tracing.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(o *options) {
		o.spans = spans
	}
}

// WithRetryStore replaces the retry store chosen by the storage settings.
// The engine closes it on Shutdown.
func WithRetryStore(store retry.Store) Option {
	return func(o *options) {
		o.retryStore = store
	}
}

// WithDeadLetterStore replaces the dead-letter store chosen by the storage
// settings. The engine closes it on Shutdown.
func WithDeadLetterStore(store deadletter.Store) Option {
	return func(o *options) {
		o.deadStore = store
	}
}

// WithClock replaces time.Now for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	// Handlers counts registered handlers by declared event type.
	Handlers map[string]int

	// Events holds delivery metrics per event type.
	Events map[string]metrics.TypeStats

	Retry       retry.Stats
	DeadLetters deadletter.Statistics
	Publisher   publisher.Stats

	TakenAt time.Time
}

// Engine wires the bus, retry service, dead-letter store, publisher and
// metrics collector together.
//
// Lifecycle:
//
//	eng, err := engine.New(settings)
//	err = eng.Initialize(ctx, handlers...)
//	eng.Publisher().PublishEvent(ctx, env)
//	err = eng.Shutdown(ctx)
type Engine struct {
	settings config.Settings
	logger   *slog.Logger

	collector  *metrics.Collector
	bus        *event.Bus
	retries    *retry.Service
	retryStore retry.Store
	deadStore  deadletter.Store
	publisher  *publisher.Publisher
	db         *sql.DB

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// New builds an engine from settings. Nothing runs until Initialize.
func New(settings config.Settings, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	o := options{
		recorder: observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.recorder == nil {
		o.recorder = observability.NoopMetrics{}
	}
	if o.spans == nil {
		o.spans = observability.NoopSpanManager{}
	}

	e := &Engine{settings: settings, logger: o.logger}
	if err := e.openStores(o); err != nil {
		return nil, err
	}

	e.collector = metrics.NewCollector(o.recorder)

	var middleware []event.Middleware
	if settings.Bus.HandlerTimeout > 0 {
		middleware = append(middleware, event.Timeout(settings.Bus.HandlerTimeout))
	}
	e.bus = event.NewBus(event.BusConfig{
		Metrics:    e.collector,
		Spans:      o.spans,
		Logger:     o.logger,
		Middleware: middleware,
	})

	retryOpts := []retry.Option{
		retry.WithLogger(o.logger),
		retry.WithCounter(e.collector),
		retry.WithRecorder(o.recorder),
	}
	if o.clock != nil {
		retryOpts = append(retryOpts, retry.WithClock(o.clock))
	}
	retries, err := retry.NewService(settings.Retry, e.retryStore, e.bus,
		deadletter.Logged(e.deadStore, o.logger), retryOpts...)
	if err != nil {
		_ = e.closeStores()
		return nil, err
	}
	e.retries = retries
	e.bus.SetFailureSink(retries)

	pub, err := publisher.New(e.bus, settings.Publisher,
		publisher.WithLogger(o.logger),
		publisher.WithRecorder(o.recorder))
	if err != nil {
		_ = e.closeStores()
		return nil, err
	}
	e.publisher = pub
	return e, nil
}

// openStores resolves the retry and dead-letter stores. Both SQLite stores
// share one database.
func (e *Engine) openStores(o options) error {
	e.retryStore = o.retryStore
	e.deadStore = o.deadStore
	if e.retryStore != nil && e.deadStore != nil {
		return nil
	}

	switch e.settings.Storage.Driver {
	case config.DriverSQLite:
		db, err := storage.Open(e.settings.Storage.Path)
		if err != nil {
			return err
		}
		e.db = db
		if e.retryStore == nil {
			rs, err := retry.NewSQLiteStore(db)
			if err != nil {
				_ = e.closeStores()
				return err
			}
			e.retryStore = rs
		}
		if e.deadStore == nil {
			ds, err := deadletter.NewSQLiteStore(db)
			if err != nil {
				_ = e.closeStores()
				return err
			}
			e.deadStore = ds
		}
	default:
		if e.retryStore == nil {
			e.retryStore = retry.NewMemoryStore()
		}
		if e.deadStore == nil {
			e.deadStore = deadletter.NewMemoryStore(e.settings.Storage.DeadLetterMaxSize)
		}
	}
	return nil
}

func (e *Engine) closeStores() error {
	var errs []error
	if e.retryStore != nil {
		if err := e.retryStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close retry store: %w", err))
		}
	}
	if e.deadStore != nil {
		if err := e.deadStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dead-letter store: %w", err))
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Initialize registers handlers and starts the retry sweep, which runs
// until ctx ends or Shutdown. Registration is all-or-nothing, so a failed
// call can be retried. Calls after the first success are no-ops.
func (e *Engine) Initialize(ctx context.Context, handlers ...event.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown {
		return ErrShutdown
	}
	if e.initialized {
		return nil
	}

	if err := e.bus.RegisterAll(handlers...); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}
	if err := e.retries.Start(ctx); err != nil {
		return fmt.Errorf("start retry service: %w", err)
	}
	e.initialized = true

	if e.logger != nil {
		e.logger.Info("event engine initialized",
			slog.Int("handlers", len(handlers)),
			slog.String("storage", e.settings.Storage.Driver),
		)
	}
	return nil
}

// Shutdown drains the publisher until ctx ends, stops the retry sweep,
// closes the bus and closes the stores. It reports every failure and is
// safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.mu.Unlock()

	var errs []error
	if err := e.publisher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	e.retries.Stop()
	if err := e.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := e.closeStores(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if e.logger != nil {
		if err != nil {
			e.logger.Error("event engine shutdown", slog.String("error", err.Error()))
		} else {
			e.logger.Info("event engine shutdown")
		}
	}
	return err
}

// Statistics gathers a snapshot from every component. A dead-letter store
// that cannot be read leaves DeadLetters zero.
func (e *Engine) Statistics(ctx context.Context) Snapshot {
	dl, err := e.deadStore.Statistics(ctx)
	if err != nil {
		observability.LogStoreError(e.logger, "dead-letter statistics", err)
	}
	return Snapshot{
		Handlers:    e.bus.HandlerCounts(),
		Events:      e.collector.Snapshot(),
		Retry:       e.retries.Stats(ctx),
		DeadLetters: dl,
		Publisher:   e.publisher.Stats(),
		TakenAt:     time.Now().UTC(),
	}
}

// Settings returns the settings the engine was built with.
func (e *Engine) Settings() config.Settings { return e.settings }

// Bus returns the event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Publisher returns the publisher.
func (e *Engine) Publisher() *publisher.Publisher { return e.publisher }

// Retry returns the retry service.
func (e *Engine) Retry() *retry.Service { return e.retries }

// DeadLetters returns the dead-letter store.
func (e *Engine) DeadLetters() deadletter.Store { return e.deadStore }

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector { return e.collector }
