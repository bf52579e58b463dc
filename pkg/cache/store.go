package cache

import (
	"context"
	"time"
)

// Store is the response cache contract used by the proxy.
//
// Read never returns an error: a missing key, an expired entry and a failing
// backend are all reported as a miss. Write applies DefaultTTL when ttl is
// not positive and overwrites any previous entry for the key.
type Store interface {
	Read(ctx context.Context, key Fingerprint) (*CacheEntry, bool)
	Write(ctx context.Context, key Fingerprint, entry *CacheEntry, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Clock returns the current time. Stores accept one for tests.
type Clock func() time.Time

func stamp(entry *CacheEntry, now time.Time, ttl time.Duration) (*CacheEntry, time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stored := *entry
	stored.CachedAt = now
	stored.Expires = now.Add(ttl)
	return &stored, ttl
}
