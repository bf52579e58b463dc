package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node runs without Redis.
// Expired entries are reported as misses and overwritten on the next write;
// nothing is evicted otherwise.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Fingerprint]CacheEntry
	now     Clock
}

// NewMemoryStore creates an empty MemoryStore. A nil clock uses time.Now.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[Fingerprint]CacheEntry),
		now:     now,
	}
}

// Read returns a copy of the live entry for key.
func (s *MemoryStore) Read(_ context.Context, key Fingerprint) (*CacheEntry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.expiredAt(s.now()) {
		CacheMisses.Inc()
		return nil, false
	}

	CacheHits.WithLabelValues("memory").Inc()
	return copyEntry(&entry), true
}

// Write stores a copy of entry under key.
func (s *MemoryStore) Write(_ context.Context, key Fingerprint, entry *CacheEntry, ttl time.Duration) error {
	if entry == nil {
		return errNilEntry
	}
	stored, _ := stamp(copyEntry(entry), s.now(), ttl)

	s.mu.Lock()
	s.entries[key] = *stored
	s.mu.Unlock()

	CacheWrites.WithLabelValues("memory").Inc()
	CacheSize.WithLabelValues("memory").Set(float64(len(entry.Data)))
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func copyEntry(e *CacheEntry) *CacheEntry {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	c.Headers = e.Headers.Clone()
	return &c
}
