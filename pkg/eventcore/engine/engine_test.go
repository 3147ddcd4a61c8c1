package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/deadletter"
	"github.com/randalmurphal/eventcore/pkg/eventcore/engine"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flaky fails its first n calls.
func flaky(id string, n int32) (event.Handler, *atomic.Int32) {
	var calls atomic.Int32
	h := event.NewHandler(id, 5, []string{"stock.updated"}, func(context.Context, event.Envelope) error {
		if calls.Add(1) <= n {
			return errors.New("ledger unavailable")
		}
		return nil
	})
	return h, &calls
}

func testSettings() config.Settings {
	s := config.Default()
	s.Retry.MaxAttempts = 3
	s.Retry.Backoff = retry.Backoff{Initial: time.Second, Max: 4 * time.Second, Factor: 2}
	s.Retry.SweepInterval = time.Hour
	return s
}

func newEngine(t *testing.T, s config.Settings, opts ...engine.Option) *engine.Engine {
	t.Helper()
	e, err := engine.New(s, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func TestRetryResolves(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(t, testSettings(), engine.WithClock(clock.Now))

	h, calls := flaky("stock", 2)
	ok := event.NewHandler("audit", 1, nil, func(context.Context, event.Envelope) error { return nil })
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, h, ok))

	results, err := e.Publisher().PublishEvent(ctx, event.New("stock.updated", map[string]int{"delta": 3}))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "stock", results[0].HandlerID)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	for i := 0; i < 2; i++ {
		clock.Advance(4 * time.Second)
		_, err := e.Retry().RunOnce(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), calls.Load())
	snap := e.Statistics(ctx)
	assert.Equal(t, int64(2), snap.Retry.RetriesAttempted)
	assert.Equal(t, int64(1), snap.Retry.RetriesSucceeded)
	assert.Equal(t, 0, snap.Retry.Active)
	assert.Equal(t, 0, snap.DeadLetters.Count)

	// Two first deliveries plus two retries of "stock"
	assert.Equal(t, int64(4), e.Metrics().TotalCount("stock.updated"))
	assert.Equal(t, int64(1), snap.Publisher.Published)
}

func TestRetryExhaustsToDeadLetter(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(t, testSettings(), engine.WithClock(clock.Now))

	h, _ := flaky("stock", 100)
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, h))

	env := event.New("stock.updated", nil)
	_, err := e.Publisher().PublishEvent(ctx, env)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		clock.Advance(4 * time.Second)
		_, err := e.Retry().RunOnce(ctx)
		require.NoError(t, err)
	}

	entries, err := e.DeadLetters().List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, env.ID(), entries[0].EventID)
	assert.Equal(t, "stock", entries[0].HandlerID)
	assert.Equal(t, 3, entries[0].AttemptCount)
	assert.Contains(t, entries[0].FinalError, "ledger unavailable")

	snap := e.Statistics(ctx)
	assert.Equal(t, 0, snap.Retry.Active)
	assert.Equal(t, int64(1), snap.Retry.DeadLettered)
	assert.Equal(t, 1, snap.DeadLetters.Count)
	assert.Equal(t, int64(1), snap.Events["stock.updated"].DeadLettered)
	assert.Equal(t, int64(3), snap.Events["stock.updated"].Failed)
}

func TestSQLiteEngineResumesRetries(t *testing.T) {
	s := testSettings()
	s.Storage.Driver = config.DriverSQLite
	s.Storage.Path = filepath.Join(t.TempDir(), "eventcore.db")
	ctx := context.Background()
	clock := newFakeClock()

	first, err := engine.New(s, engine.WithClock(clock.Now))
	require.NoError(t, err)
	failing, _ := flaky("stock", 100)
	require.NoError(t, first.Initialize(ctx, failing))
	_, err = first.Publisher().PublishEvent(ctx, event.New("stock.updated", map[string]int{"delta": 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Statistics(ctx).Retry.Active)
	require.NoError(t, first.Shutdown(ctx))

	second := newEngine(t, s, engine.WithClock(clock.Now))
	healthy, calls := flaky("stock", 0)
	require.NoError(t, second.Initialize(ctx, healthy))
	assert.Equal(t, 1, second.Statistics(ctx).Retry.Active)

	clock.Advance(4 * time.Second)
	_, err = second.Retry().RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, second.Statistics(ctx).Retry.Active)
}

func TestInjectedStores(t *testing.T) {
	dead := deadletter.NewMemoryStore(0)
	retries := retry.NewMemoryStore()
	e := newEngine(t, testSettings(),
		engine.WithRetryStore(retries),
		engine.WithDeadLetterStore(dead))

	h, _ := flaky("stock", 100)
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, h))
	_, err := e.Publisher().PublishEvent(ctx, event.New("stock.updated", nil))
	require.NoError(t, err)

	n, err := retries.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Same(t, dead, e.DeadLetters())
}

func TestHandlerTimeout(t *testing.T) {
	s := testSettings()
	s.Bus.HandlerTimeout = 10 * time.Millisecond
	e := newEngine(t, s)

	slow := event.NewHandler("slow", 1, []string{"order.placed"}, func(ctx context.Context, _ event.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, slow))

	results, err := e.Publisher().PublishEvent(ctx, event.New("order.placed", nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Error, context.DeadlineExceeded)
	assert.Equal(t, int64(1), e.Metrics().Stats("order.placed").FailuresByKind["timeout"])
}

func TestInitializeIdempotent(t *testing.T) {
	e := newEngine(t, testSettings())
	h, _ := flaky("stock", 0)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx, h))
	require.NoError(t, e.Initialize(ctx, h), "second call must not re-register")
	assert.Equal(t, map[string]int{"stock.updated": 1}, e.Statistics(ctx).Handlers)
}

func TestInitializeDuplicateHandler(t *testing.T) {
	e := newEngine(t, testSettings())
	a, _ := flaky("stock", 0)
	b, _ := flaky("stock", 0)

	err := e.Initialize(context.Background(), a, b)
	assert.ErrorIs(t, err, event.ErrDuplicateHandler)
}

func TestInitializeRetryAfterFailure(t *testing.T) {
	e := newEngine(t, testSettings())
	a, _ := flaky("stock", 0)
	dup, _ := flaky("stock", 0)
	ctx := context.Background()

	require.ErrorIs(t, e.Initialize(ctx, a, dup), event.ErrDuplicateHandler)
	assert.False(t, e.Bus().Has("stock"))
	assert.False(t, e.Retry().Running())

	require.NoError(t, e.Initialize(ctx, a))
	assert.True(t, e.Retry().Running())
	assert.Equal(t, map[string]int{"stock.updated": 1}, e.Statistics(ctx).Handlers)
}

func TestShutdown(t *testing.T) {
	e, err := engine.New(testSettings())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, e.Shutdown(ctx))

	assert.True(t, e.Bus().IsClosed())
	_, err = e.Publisher().PublishEvent(ctx, event.New("stock.updated", nil))
	assert.ErrorIs(t, err, event.ErrBusClosed)
	assert.ErrorIs(t, e.Initialize(ctx), engine.ErrShutdown)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := config.Default()
	s.Storage.Driver = "mongo"
	_, err := engine.New(s)
	assert.Error(t, err)
}
