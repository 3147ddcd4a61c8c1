package deadletter

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore keeps entries in memory.
// Suitable for testing and single-instance deployments that accept losing
// dead letters on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	closed  bool
}

// NewMemoryStore creates an in-memory store.
// maxSize bounds the number of entries; 0 means unbounded.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize < 0 {
		maxSize = 0
	}
	return &MemoryStore{maxSize: maxSize}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		return fmt.Errorf("%w: %d entries", ErrFull, s.maxSize)
	}

	entry = entry.withDefaults()

	// Keep MovedAt order; entries almost always arrive in order
	i := len(s.entries)
	for i > 0 && s.entries[i-1].MovedAt.After(entry.MovedAt) {
		i--
	}
	s.entries = slices.Insert(s.entries, i, entry)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter *Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	limit := filter.limit()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Statistics implements Store.
func (s *MemoryStore) Statistics(_ context.Context) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Statistics{}, ErrStoreClosed
	}

	stats := Statistics{
		Count:       len(s.entries),
		ByEventType: make(map[string]int),
		ByHandler:   make(map[string]int),
	}
	for _, e := range s.entries {
		stats.ByEventType[e.EventType]++
		stats.ByHandler[e.HandlerID]++
	}
	if n := len(s.entries); n > 0 {
		stats.Oldest = s.entries[0].MovedAt
		stats.Newest = s.entries[n-1].MovedAt
	}
	return stats, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
