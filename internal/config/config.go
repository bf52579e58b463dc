// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Cache backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	Cache    CacheConfig
	Upstream UpstreamConfig
	Proxy    ProxyConfig
	Log      LogConfig
}

// CacheConfig selects and addresses the response cache
type CacheConfig struct {
	Backend  string `env:"CACHE_BACKEND" envDefault:"redis"`
	RedisURL string `env:"REDIS_URL" envDefault:"localhost:6379"` // host:port or redis:// URL
}

// UpstreamConfig addresses the proxied API
type UpstreamConfig struct {
	BaseURL string        `env:"UPSTREAM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Timeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"0s"`
}

// ProxyConfig tunes the caching pipeline
type ProxyConfig struct {
	Prefix               string        `env:"PROXY_PREFIX" envDefault:"/proxy"`
	DefaultTTL           time.Duration `env:"DEFAULT_TTL" envDefault:"86400s"`
	WriteBackTimeout     time.Duration `env:"WRITE_BACK_TIMEOUT" envDefault:"10s"`
	WriteBackConcurrency int           `env:"WRITE_BACK_CONCURRENCY" envDefault:"64"`
	MultipartContentHash bool          `env:"MULTIPART_CONTENT_HASH" envDefault:"false"`
	MaxMultipartMemory   int64         `env:"MAX_MULTIPART_MEMORY" envDefault:"33554432"`
}

// LogConfig controls log output
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Load reads configuration from environment variables. Variables from a .env
// file in the working directory are applied first when the file exists; they
// never override variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads configuration from the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendRedis:
		if _, err := c.RedisOptions(); err != nil {
			return err
		}
	case BackendMemory:
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.Cache.Backend)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid UPSTREAM_BASE_URL %q", c.Upstream.BaseURL)
	}

	if c.Proxy.WriteBackConcurrency <= 0 {
		return fmt.Errorf("WRITE_BACK_CONCURRENCY must be > 0, got %d", c.Proxy.WriteBackConcurrency)
	}
	if c.Proxy.DefaultTTL < time.Second {
		return fmt.Errorf("DEFAULT_TTL must be at least 1s, got %s", c.Proxy.DefaultTTL)
	}
	if c.Proxy.Prefix != "" && !strings.HasPrefix(c.Proxy.Prefix, "/") {
		return fmt.Errorf("PROXY_PREFIX must start with /, got %q", c.Proxy.Prefix)
	}
	return nil
}

// RedisOptions returns client options for REDIS_URL, accepting either a
// redis:// URL or a bare host:port address.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if strings.Contains(c.Cache.RedisURL, "://") {
		opts, err := redis.ParseURL(c.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return opts, nil
	}
	if c.Cache.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required for the %s backend", BackendRedis)
	}
	return &redis.Options{Addr: c.Cache.RedisURL}, nil
}
