package deadletter_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/deadletter"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

type orderPayload struct {
	OrderID string `json:"order_id"`
	Qty     int    `json:"qty"`
}

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func entry(eventType, handlerID string, movedOffset time.Duration) deadletter.Entry {
	env := event.New(eventType, orderPayload{OrderID: "o-1", Qty: 2})
	return deadletter.Entry{
		Envelope:      env,
		HandlerID:     handlerID,
		AttemptCount:  3,
		FinalError:    "inventory service unavailable",
		FirstFailedAt: base,
		MovedAt:       base.Add(movedOffset),
	}
}

// storeFactories runs the shared contract against every implementation.
func storeFactories() map[string]func(t *testing.T) deadletter.Store {
	return map[string]func(t *testing.T) deadletter.Store{
		"memory": func(t *testing.T) deadletter.Store {
			return deadletter.NewMemoryStore(0)
		},
		"sqlite": func(t *testing.T) deadletter.Store {
			s, err := deadletter.OpenSQLiteStore(filepath.Join(t.TempDir(), "dlq.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			defer store.Close()

			require.NoError(t, store.Add(ctx, entry("order.placed", "orders", 2*time.Second)))
			require.NoError(t, store.Add(ctx, entry("stock.updated", "stock", 1*time.Second)))
			require.NoError(t, store.Add(ctx, entry("order.placed", "notify", 3*time.Second)))

			all, err := store.List(ctx, nil)
			require.NoError(t, err)
			require.Len(t, all, 3)

			// Ordered by MovedAt ascending
			assert.Equal(t, "stock", all[0].HandlerID)
			assert.Equal(t, "orders", all[1].HandlerID)
			assert.Equal(t, "notify", all[2].HandlerID)

			got := all[1]
			assert.NotEmpty(t, got.ID)
			assert.Equal(t, got.Envelope.ID(), got.EventID)
			assert.Equal(t, "order.placed", got.EventType)
			assert.Equal(t, 3, got.AttemptCount)
			assert.Equal(t, "inventory service unavailable", got.FinalError)
			assert.True(t, base.Equal(got.FirstFailedAt))

			payload, err := event.DecodePayload[orderPayload](got.Envelope)
			require.NoError(t, err)
			assert.Equal(t, orderPayload{OrderID: "o-1", Qty: 2}, payload)

			byType, err := store.List(ctx, &deadletter.Filter{EventType: "order.placed"})
			require.NoError(t, err)
			assert.Len(t, byType, 2)

			byHandler, err := store.List(ctx, &deadletter.Filter{HandlerID: "stock"})
			require.NoError(t, err)
			require.Len(t, byHandler, 1)
			assert.Equal(t, "stock.updated", byHandler[0].EventType)

			since, err := store.List(ctx, &deadletter.Filter{Since: base.Add(2 * time.Second)})
			require.NoError(t, err)
			assert.Len(t, since, 2)

			limited, err := store.List(ctx, &deadletter.Filter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "stock", limited[0].HandlerID)

			stats, err := store.Statistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Count)
			assert.Equal(t, map[string]int{"order.placed": 2, "stock.updated": 1}, stats.ByEventType)
			assert.Equal(t, map[string]int{"orders": 1, "stock": 1, "notify": 1}, stats.ByHandler)
			assert.True(t, base.Add(time.Second).Equal(stats.Oldest))
			assert.True(t, base.Add(3*time.Second).Equal(stats.Newest))
		})
	}
}

func TestStoreEmptyStatistics(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			stats, err := store.Statistics(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Count)
			assert.True(t, stats.Oldest.IsZero())
			assert.True(t, stats.Newest.IsZero())

			list, err := store.List(context.Background(), nil)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			require.NoError(t, store.Close())
			require.NoError(t, store.Close())

			err := store.Add(context.Background(), entry("a", "h", 0))
			assert.ErrorIs(t, err, deadletter.ErrStoreClosed)

			_, err = store.List(context.Background(), nil)
			assert.ErrorIs(t, err, deadletter.ErrStoreClosed)
		})
	}
}

func TestMemoryStoreMaxSize(t *testing.T) {
	store := deadletter.NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, entry("a", "h1", 0)))
	require.NoError(t, store.Add(ctx, entry("a", "h2", time.Second)))

	err := store.Add(ctx, entry("a", "h3", 2*time.Second))
	assert.ErrorIs(t, err, deadletter.ErrFull)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStoreDefaultsMovedAt(t *testing.T) {
	store := deadletter.NewMemoryStore(0)
	e := entry("a", "h", 0)
	e.MovedAt = time.Time{}

	before := time.Now().UTC()
	require.NoError(t, store.Add(context.Background(), e))

	list, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].MovedAt.Before(before))
}

func TestSQLiteStoreSharedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	first, err := deadletter.OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Add(context.Background(), entry("order.placed", "orders", 0)))
	require.NoError(t, first.Close())

	// Reopen: entries survive a restart
	second, err := deadletter.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	list, err := second.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type failingStore struct {
	deadletter.Store
}

func (failingStore) Add(context.Context, deadletter.Entry) error {
	return errors.New("disk full")
}

func TestLoggedStore(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	store := deadletter.Logged(failingStore{Store: deadletter.NewMemoryStore(0)}, logger)
	e := entry("order.placed", "orders", 0)
	e.EventID = e.Envelope.ID()
	e.EventType = e.Envelope.Type()

	err := store.Add(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, "disk full", err.Error())

	out := buf.String()
	assert.Contains(t, out, "dead-letter write failed")
	assert.Contains(t, out, e.EventID)
	assert.Contains(t, out, `"handler_id":"orders"`)
	assert.True(t, strings.Contains(out, "o-1"), "log should carry the envelope payload")
}

func TestLoggedNilLogger(t *testing.T) {
	inner := deadletter.NewMemoryStore(0)
	assert.Same(t, deadletter.Store(inner), deadletter.Logged(inner, nil))
}
