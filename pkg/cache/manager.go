package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache-proxy/pkg/logging"
)

var (
	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	errNilEntry = errors.New("cache entry cannot be nil")
)

// Manager is the Redis-backed Store.
type Manager struct {
	redis  *redis.Client
	now    Clock
	logger zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the clock used to stamp and check expiry.
func WithClock(now Clock) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger used for degraded-cache warnings.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, opts ...ManagerOption) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	m := &Manager{
		redis:  redisClient,
		now:    time.Now,
		logger: logging.NewLogger("cache"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Read retrieves a cache entry by fingerprint.
// Backend and decode failures are logged and reported as a miss.
func (m *Manager) Read(ctx context.Context, key Fingerprint) (*CacheEntry, bool) {
	entry, err := m.get(ctx, key)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		m.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, treating as miss")
		CacheMisses.Inc()
		return nil, false
	}
	if entry == nil || entry.expiredAt(m.now()) {
		CacheMisses.Inc()
		return nil, false
	}

	CacheHits.WithLabelValues("redis").Inc()
	return entry, true
}

func (m *Manager) get(ctx context.Context, key Fingerprint) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Write stores a cache entry under the fingerprint with the given TTL.
// A non-positive ttl applies DefaultTTL. Redis expires the key on its own.
func (m *Manager) Write(ctx context.Context, key Fingerprint, entry *CacheEntry, ttl time.Duration) error {
	if entry == nil {
		return errNilEntry
	}

	stored, ttl := stamp(entry, m.now(), ttl)

	data, err := json.Marshal(stored)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrites.WithLabelValues("redis").Inc()
	CacheSize.WithLabelValues("redis").Set(float64(len(data)))

	m.logger.Debug().
		Str("key", key.String()).
		Dur("ttl", ttl).
		Int("status_code", stored.StatusCode).
		Msg("Cached response")

	return nil
}

// Ping checks Redis connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
