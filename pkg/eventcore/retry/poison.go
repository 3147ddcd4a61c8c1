package retry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// DefaultPoisonWindow is how long failures of one payload are counted
// together when Config.PoisonWindow is zero.
const DefaultPoisonWindow = time.Hour

// PoisonPattern describes failures of one payload across events.
type PoisonPattern struct {
	Fingerprint string
	EventType   string
	Events      int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Poisoned    bool
}

type pattern struct {
	eventType string
	events    map[string]struct{}
	firstSeen time.Time
	lastSeen  time.Time
}

// PoisonDetector spots payloads that fail in many distinct events. Such
// payloads will not get better with retries, so the service dead-letters
// them on sight instead of spending the retry budget.
type PoisonDetector struct {
	threshold int
	window    time.Duration

	mu       sync.Mutex
	patterns map[string]*pattern
}

// NewPoisonDetector creates a detector that flags a payload once it has
// failed in threshold distinct events within window.
func NewPoisonDetector(threshold int, window time.Duration) *PoisonDetector {
	if threshold < 1 {
		threshold = 1
	}
	if window <= 0 {
		window = DefaultPoisonWindow
	}
	return &PoisonDetector{
		threshold: threshold,
		window:    window,
		patterns:  make(map[string]*pattern),
	}
}

// Fingerprint hashes the event type and payload of env. Envelopes with
// equal content share a fingerprint whatever their IDs.
func Fingerprint(env event.Envelope) string {
	h := sha256.New()
	h.Write([]byte(env.Type()))
	h.Write([]byte{0})
	if data, err := json.Marshal(env.Payload()); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Record notes a failure of env at now and reports whether its payload is
// now poisoned.
func (d *PoisonDetector) Record(env event.Envelope, now time.Time) bool {
	fp := Fingerprint(env)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(now)

	p, ok := d.patterns[fp]
	if !ok {
		p = &pattern{
			eventType: env.Type(),
			events:    make(map[string]struct{}),
			firstSeen: now,
		}
		d.patterns[fp] = p
	}
	if len(p.events) < d.threshold {
		p.events[env.ID()] = struct{}{}
	}
	p.lastSeen = now
	return len(p.events) >= d.threshold
}

// Clear forgets the failures of env's payload.
func (d *PoisonDetector) Clear(env event.Envelope) {
	fp := Fingerprint(env)
	d.mu.Lock()
	delete(d.patterns, fp)
	d.mu.Unlock()
}

// Patterns returns the tracked payloads still inside the window at now,
// most failures first.
func (d *PoisonDetector) Patterns(now time.Time) []PoisonPattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(now)
	out := make([]PoisonPattern, 0, len(d.patterns))
	for fp, p := range d.patterns {
		out = append(out, PoisonPattern{
			Fingerprint: fp,
			EventType:   p.eventType,
			Events:      len(p.events),
			FirstSeenAt: p.firstSeen,
			LastSeenAt:  p.lastSeen,
			Poisoned:    len(p.events) >= d.threshold,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// prune drops patterns whose window has passed. Callers hold mu.
func (d *PoisonDetector) prune(now time.Time) {
	for fp, p := range d.patterns {
		if now.Sub(p.firstSeen) > d.window {
			delete(d.patterns, fp)
		}
	}
}
