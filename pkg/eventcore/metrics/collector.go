// Package metrics provides the process-wide metrics collector for event
// deliveries.
//
// The Collector keeps per-event-type counters in memory so they can be read
// back (TotalCount, SuccessRate, Snapshot) and mirrors every record call to an
// observability.MetricsRecorder for export.
package metrics

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
)

// TypeStats is a point-in-time view of one event type's counters.
type TypeStats struct {
	EventType      string           `json:"event_type"`
	Attempted      int64            `json:"attempted"`
	Succeeded      int64            `json:"succeeded"`
	Failed         int64            `json:"failed"`
	DeadLettered   int64            `json:"dead_lettered"`
	FailuresByKind map[string]int64 `json:"failures_by_kind,omitempty"`
	SuccessRate    float64          `json:"success_rate"`
	Timing         TimingSummary    `json:"timing"`
}

// TimingSummary summarizes successful processing times in milliseconds.
type TimingSummary struct {
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	MeanMs  float64 `json:"mean_ms"`
}

// counters holds the live counters for one event type.
type counters struct {
	attempted    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64

	mu     sync.Mutex
	kinds  map[string]int64
	timing TimingSummary
}

func newCounters() *counters {
	return &counters{kinds: make(map[string]int64)}
}

// Collector records delivery metrics per event type.
// It is safe for concurrent use.
type Collector struct {
	byType   *registry.Registry[string, *counters]
	recorder observability.MetricsRecorder
}

// NewCollector creates a collector that mirrors to recorder.
// A nil recorder means no export.
func NewCollector(recorder observability.MetricsRecorder) *Collector {
	if recorder == nil {
		recorder = observability.NoopMetrics{}
	}
	return &Collector{
		byType:   registry.New[string, *counters](),
		recorder: recorder,
	}
}

func (c *Collector) counters(eventType string) *counters {
	return c.byType.GetOrCreate(eventType, newCounters)
}

// RecordAttempt records one handler invocation attempt.
func (c *Collector) RecordAttempt(ctx context.Context, eventType string) {
	c.counters(eventType).attempted.Add(1)
	c.recorder.RecordAttempt(ctx, eventType)
}

// RecordSuccess records a successful handler invocation and its duration.
func (c *Collector) RecordSuccess(ctx context.Context, eventType string, elapsed time.Duration) {
	ct := c.counters(eventType)
	ct.succeeded.Add(1)

	ms := observability.Millis(elapsed)
	ct.mu.Lock()
	t := &ct.timing
	if t.Count == 0 || ms < t.MinMs {
		t.MinMs = ms
	}
	if ms > t.MaxMs {
		t.MaxMs = ms
	}
	t.Count++
	t.TotalMs += ms
	t.MeanMs = t.TotalMs / float64(t.Count)
	ct.mu.Unlock()

	c.recorder.RecordSuccess(ctx, eventType, elapsed)
}

// RecordFailure records a failed handler invocation with its error kind.
func (c *Collector) RecordFailure(ctx context.Context, eventType, kind string) {
	ct := c.counters(eventType)
	ct.failed.Add(1)

	ct.mu.Lock()
	ct.kinds[kind]++
	ct.mu.Unlock()

	c.recorder.RecordFailure(ctx, eventType, kind)
}

// RecordDeadLetter records a delivery that exhausted its retries.
func (c *Collector) RecordDeadLetter(ctx context.Context, eventType string) {
	c.counters(eventType).deadLettered.Add(1)
	c.recorder.RecordDeadLetter(ctx, eventType)
}

// TotalCount returns the number of attempts recorded for eventType.
func (c *Collector) TotalCount(eventType string) int64 {
	ct, ok := c.byType.Get(eventType)
	if !ok {
		return 0
	}
	return ct.attempted.Load()
}

// SuccessRate returns succeeded/attempted for eventType, or 0 when nothing
// was attempted.
func (c *Collector) SuccessRate(eventType string) float64 {
	ct, ok := c.byType.Get(eventType)
	if !ok {
		return 0
	}
	return rate(ct.succeeded.Load(), ct.attempted.Load())
}

func rate(succeeded, attempted int64) float64 {
	if attempted == 0 {
		return 0
	}
	r := float64(succeeded) / float64(attempted)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// Stats returns the counters for one event type.
func (c *Collector) Stats(eventType string) TypeStats {
	ct, ok := c.byType.Get(eventType)
	if !ok {
		return TypeStats{EventType: eventType}
	}
	return ct.snapshot(eventType)
}

// Snapshot returns the counters of every event type seen so far.
func (c *Collector) Snapshot() map[string]TypeStats {
	out := make(map[string]TypeStats, c.byType.Len())
	c.byType.Range(func(eventType string, ct *counters) bool {
		out[eventType] = ct.snapshot(eventType)
		return true
	})
	return out
}

// EventTypes returns event types in the order they were first recorded.
func (c *Collector) EventTypes() []string {
	return c.byType.Keys()
}

// Reset drops every counter.
func (c *Collector) Reset() {
	c.byType.Clear()
}

func (ct *counters) snapshot(eventType string) TypeStats {
	s := TypeStats{
		EventType:    eventType,
		Attempted:    ct.attempted.Load(),
		Succeeded:    ct.succeeded.Load(),
		Failed:       ct.failed.Load(),
		DeadLettered: ct.deadLettered.Load(),
	}
	s.SuccessRate = rate(s.Succeeded, s.Attempted)

	ct.mu.Lock()
	s.Timing = ct.timing
	if len(ct.kinds) > 0 {
		s.FailuresByKind = make(map[string]int64, len(ct.kinds))
		for k, v := range ct.kinds {
			s.FailuresByKind[k] = v
		}
	}
	ct.mu.Unlock()

	return s
}
