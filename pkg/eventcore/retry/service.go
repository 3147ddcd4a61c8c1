package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/eventcore/pkg/eventcore/deadletter"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("retry service stopped")

// errRecordKept marks a failed dead-letter write whose exhausted record was
// saved for the sweep to retry.
var errRecordKept = errors.New("exhausted record kept")

// Dispatcher re-invokes one handler for one envelope. *event.Bus
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, env event.Envelope, handlerID string, attempt int) (event.Result, error)
}

// DeadLetterWriter receives exhausted deliveries. deadletter.Store
// implements it.
type DeadLetterWriter interface {
	Add(ctx context.Context, entry deadletter.Entry) error
}

// DeadLetterCounter counts dead-lettered events per type.
// *metrics.Collector implements it.
type DeadLetterCounter interface {
	RecordDeadLetter(ctx context.Context, eventType string)
}

// Stats reports retry activity since the service was created.
type Stats struct {
	RetriesAttempted int64
	RetriesSucceeded int64
	DeadLettered     int64
	DeadLetterErrors int64

	// Poisoned counts deliveries dead-lettered early because their payload
	// was poisoned.
	Poisoned int64

	// Active is the number of records currently waiting, or -1 when the
	// store could not be read.
	Active int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithCounter sets the dead-letter counter, usually the metrics collector.
func WithCounter(counter DeadLetterCounter) Option {
	return func(s *Service) {
		s.counter = counter
	}
}

// WithRecorder sets the OpenTelemetry recorder for retry outcomes.
func WithRecorder(recorder observability.MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithClock replaces time.Now. Tests use it to step through backoff
// schedules without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service retries failed (event, handler) deliveries with capped
// exponential backoff and moves exhausted ones to the dead-letter store.
//
// Record lifecycle per key:
//
//	Schedule        -> active(1), due after Delay(1)
//	retry succeeds  -> record deleted
//	retry fails     -> active(n+1), due after Delay(n+1)
//	n+1 reaches max -> dead-lettered, record deleted
//
// If the dead-letter write fails the record stays, flagged Exhausted, and
// later sweeps retry only the write.
type Service struct {
	cfg        Config
	store      Store
	dispatcher Dispatcher
	deadLetter DeadLetterWriter
	counter    DeadLetterCounter
	recorder   observability.MetricsRecorder
	logger     *slog.Logger
	limiter    *rate.Limiter
	poison     *PoisonDetector
	now        func() time.Time

	// recordMu serializes read-modify-write of records.
	recordMu sync.Mutex
	// sweepMu keeps sweeps from overlapping.
	sweepMu sync.Mutex

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	stopCh      chan struct{}
	done        chan struct{}

	attempted        atomic.Int64
	succeeded        atomic.Int64
	deadLettered     atomic.Int64
	deadLetterErrors atomic.Int64
	poisoned         atomic.Int64
}

// NewService creates a retry service. It does nothing until Start or
// RunOnce is called, but Schedule can be used immediately.
func NewService(cfg Config, store Store, dispatcher Dispatcher, deadLetter DeadLetterWriter, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if store == nil {
		return nil, errors.New("retry store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deadLetter == nil {
		return nil, errors.New("dead-letter writer is required")
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		recorder:   observability.NoopMetrics{},
		now:        time.Now,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.PoisonThreshold > 0 {
		s.poison = NewPoisonDetector(cfg.PoisonThreshold, cfg.PoisonWindow)
	}
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Schedule records the first failure of a delivery. It implements
// event.FailureSink.
//
// A delivery that already has a record is left alone: its schedule is
// owned by the sweep.
func (s *Service) Schedule(ctx context.Context, env event.Envelope, handlerID string, cause error) error {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	key := Key{EventID: env.ID(), HandlerID: handlerID}
	if _, err := s.store.Get(ctx, key); err == nil {
		if s.logger != nil {
			s.logger.Debug("retry already pending",
				slog.String("event_id", key.EventID),
				slog.String("handler_id", key.HandlerID),
			)
		}
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("schedule retry: %w", err)
	}

	now := s.now().UTC()
	rec := Record{
		EventID:       env.ID(),
		EventType:     env.Type(),
		HandlerID:     handlerID,
		Envelope:      env,
		AttemptCount:  1,
		FirstFailedAt: now,
		LastFailedAt:  now,
		LastError:     errorText(cause),
	}

	if s.isPoisoned(env, now) || s.giveUp(rec.AttemptCount, cause) {
		err := s.moveToDeadLetter(ctx, rec)
		if errors.Is(err, errRecordKept) {
			// The sweep retries the write from the exhausted record
			return nil
		}
		return err
	}

	rec.NextRetryAt = now.Add(s.cfg.Backoff.Delay(rec.AttemptCount))
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	observability.LogRetryScheduled(s.logger, rec.EventID, rec.HandlerID, rec.AttemptCount, rec.NextRetryAt)
	return nil
}

// Start begins sweeping due records every SweepInterval. Start is a no-op
// when already running and returns ErrStopped after Stop.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return nil
	}
	s.running = true

	go s.run(ctx)
	return nil
}

// Running reports whether the sweep loop has been started and not stopped.
func (s *Service) Running() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.running
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
// Stop is idempotent.
func (s *Service) Stop() {
	s.lifecycleMu.Lock()
	if s.stopped {
		s.lifecycleMu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	close(s.stopCh)
	s.lifecycleMu.Unlock()

	if wasRunning {
		<-s.done
	}
}

// run is the sweep loop.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				observability.LogStoreError(s.logger, "retry sweep", err)
			}
		}
	}
}

// RunOnce handles every record due now, up to BatchSize, and returns how
// many it handled.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	due, err := s.store.Due(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due retries: %w", err)
	}

	handled := 0
	for _, rec := range due {
		if ctx.Err() != nil || s.stopping() {
			break
		}

		if rec.Exhausted {
			s.recordMu.Lock()
			_ = s.moveToDeadLetter(ctx, rec)
			s.recordMu.Unlock()
			handled++
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		s.retry(ctx, rec)
		handled++
	}
	return handled, nil
}

func (s *Service) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// retry re-dispatches one record and applies the outcome.
func (s *Service) retry(ctx context.Context, rec Record) {
	attempt := rec.AttemptCount + 1
	s.attempted.Add(1)

	res, err := s.dispatcher.Dispatch(ctx, rec.Envelope, rec.HandlerID, attempt)

	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	if err != nil {
		if errors.Is(err, event.ErrHandlerNotFound) {
			// Nothing can process this delivery any more
			rec.LastError = err.Error()
			_ = s.moveToDeadLetter(ctx, rec)
			return
		}
		// Bus closed or similar: leave the record for a later run
		if s.logger != nil {
			s.logger.Warn("retry dispatch unavailable",
				slog.String("event_id", rec.EventID),
				slog.String("handler_id", rec.HandlerID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	s.recorder.RecordRetry(ctx, rec.EventType, res.Success)

	if res.Success {
		s.succeeded.Add(1)
		if err := s.store.Delete(ctx, rec.Key()); err != nil {
			observability.LogStoreError(s.logger, "delete retry record", err)
		}
		observability.LogRetryResolved(s.logger, rec.EventID, rec.HandlerID, attempt)
		return
	}

	cause := res.Error
	var herr *event.HandlerError
	if errors.As(res.Error, &herr) {
		cause = herr.Err
	}

	now := s.now().UTC()
	rec.AttemptCount = attempt
	rec.LastFailedAt = now
	rec.LastError = errorText(cause)

	if s.isPoisoned(rec.Envelope, now) || s.giveUp(rec.AttemptCount, cause) {
		_ = s.moveToDeadLetter(ctx, rec)
		return
	}

	rec.NextRetryAt = now.Add(s.cfg.Backoff.Delay(rec.AttemptCount))
	if err := s.store.Put(ctx, rec); err != nil {
		observability.LogStoreError(s.logger, "reschedule retry", err)
		return
	}
	observability.LogRetryScheduled(s.logger, rec.EventID, rec.HandlerID, rec.AttemptCount, rec.NextRetryAt)
}

// giveUp reports whether a delivery with attempts failures should stop
// being retried.
func (s *Service) giveUp(attempts int, cause error) bool {
	if attempts >= s.cfg.MaxAttempts {
		return true
	}
	return s.cfg.DeadLetterPermanent && ecerrors.IsPermanent(cause)
}

// isPoisoned records a failure of env with the poison detector and reports
// whether its payload is poisoned.
func (s *Service) isPoisoned(env event.Envelope, now time.Time) bool {
	if s.poison == nil || !s.poison.Record(env, now) {
		return false
	}
	s.poisoned.Add(1)
	if s.logger != nil {
		s.logger.Warn("poisoned payload, skipping retries",
			slog.String("event_id", env.ID()),
			slog.String("event_type", env.Type()),
		)
	}
	return true
}

// PoisonPatterns returns the payloads the poison detector is tracking, or
// nil when detection is disabled.
func (s *Service) PoisonPatterns() []PoisonPattern {
	if s.poison == nil {
		return nil
	}
	return s.poison.Patterns(s.now().UTC())
}

// moveToDeadLetter writes rec to the dead-letter store and deletes the
// record. On a failed write the record is kept, flagged Exhausted and due
// at the next sweep. Callers hold recordMu.
func (s *Service) moveToDeadLetter(ctx context.Context, rec Record) error {
	now := s.now().UTC()
	entry := deadletter.Entry{
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		HandlerID:     rec.HandlerID,
		Envelope:      rec.Envelope,
		AttemptCount:  rec.AttemptCount,
		FinalError:    rec.LastError,
		FirstFailedAt: rec.FirstFailedAt,
		MovedAt:       now,
	}

	if err := s.deadLetter.Add(ctx, entry); err != nil {
		s.deadLetterErrors.Add(1)
		observability.LogStoreError(s.logger, "dead-letter write", err)

		rec.Exhausted = true
		rec.NextRetryAt = now
		if putErr := s.store.Put(ctx, rec); putErr != nil {
			observability.LogStoreError(s.logger, "keep exhausted retry record", putErr)
			return errors.Join(err, putErr)
		}
		return fmt.Errorf("dead-letter %s/%s: %w: %w", rec.EventID, rec.HandlerID, errRecordKept, err)
	}

	if err := s.store.Delete(ctx, rec.Key()); err != nil {
		observability.LogStoreError(s.logger, "delete dead-lettered record", err)
	}

	s.deadLettered.Add(1)
	// The collector mirrors to its own recorder
	if s.counter != nil {
		s.counter.RecordDeadLetter(ctx, rec.EventType)
	} else {
		s.recorder.RecordDeadLetter(ctx, rec.EventType)
	}
	observability.LogDeadLettered(s.logger, rec.EventID, rec.EventType, rec.HandlerID, rec.AttemptCount, rec.LastError)
	return nil
}

// Stats returns retry counters and the number of pending records.
func (s *Service) Stats(ctx context.Context) Stats {
	stats := Stats{
		RetriesAttempted: s.attempted.Load(),
		RetriesSucceeded: s.succeeded.Load(),
		DeadLettered:     s.deadLettered.Load(),
		DeadLetterErrors: s.deadLetterErrors.Load(),
		Poisoned:         s.poisoned.Load(),
	}
	n, err := s.store.Count(ctx)
	if err != nil {
		observability.LogStoreError(s.logger, "count retry records", err)
		n = -1
	}
	stats.Active = n
	return stats
}

// Records returns the pending retry records, earliest due first.
func (s *Service) Records(ctx context.Context) ([]Record, error) {
	return s.store.List(ctx)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
