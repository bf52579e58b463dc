// Package proxy implements the caching pipeline in front of the upstream API:
// fingerprint the request, serve a cached response when one is live, forward
// otherwise and write successful responses back without delaying the caller.
package proxy

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/api-cache-proxy/pkg/cache"
	"github.com/Sternrassler/api-cache-proxy/pkg/logging"
	"github.com/Sternrassler/api-cache-proxy/pkg/upstream"
)

// Request headers understood by the proxy.
const (
	HeaderTTL      = "X-Proxy-TTL"
	HeaderRefresh  = "X-Proxy-Refresh"
	HeaderFileName = "X-File-Name"
)

var (
	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Proxied requests by result (hit, miss, refresh, uncacheable, error)",
	}, []string{"result"})

	writeBacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_write_backs_total",
		Help: "Cache write-backs by mode (async, sync, failed)",
	}, []string{"mode"})
)

// Forwarder sends a request upstream. *upstream.Forwarder implements it.
type Forwarder interface {
	Forward(ctx context.Context, req *upstream.Request) (*http.Response, error)
}

// Request is a proxyable request. The router has already classified it and
// stripped the proxy prefix from Path.
type Request struct {
	Method string
	Path   string
	Header http.Header

	// Body is the raw body of non-multipart requests.
	Body []byte

	// Form is the parsed body of multipart/form-data requests.
	Form *multipart.Form

	// TTL in seconds. Non-positive values use Config.DefaultTTL.
	TTL int

	// ForceRefresh skips the cache lookup. Write-back still happens.
	ForceRefresh bool
}

// Config holds the proxy configuration.
type Config struct {
	// HashMultipartContent keys multipart requests on their content instead
	// of the method, path, content type and X-File-Name descriptor.
	HashMultipartContent bool

	// DefaultTTL applies to requests without a positive TTL.
	DefaultTTL time.Duration

	// WriteBackTimeout bounds a single cache write.
	WriteBackTimeout time.Duration

	// WriteBackConcurrency limits in-flight background writes. Beyond it,
	// writes run before the response is returned.
	WriteBackConcurrency int
}

// DefaultConfig returns the default proxy configuration.
func DefaultConfig() Config {
	return Config{
		HashMultipartContent: false,
		DefaultTTL:           cache.DefaultTTL,
		WriteBackTimeout:     10 * time.Second,
		WriteBackConcurrency: 64,
	}
}

// Proxy is the caching orchestrator.
type Proxy struct {
	store     cache.Store
	forwarder Forwarder
	config    Config
	writes    errgroup.Group
	logger    zerolog.Logger
}

// New creates a new Proxy.
func New(store cache.Store, forwarder Forwarder, cfg Config) (*Proxy, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if forwarder == nil {
		return nil, fmt.Errorf("forwarder is required")
	}
	if cfg.WriteBackConcurrency <= 0 {
		return nil, fmt.Errorf("write_back_concurrency must be > 0 (got %d)", cfg.WriteBackConcurrency)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = cache.DefaultTTL
	}
	if cfg.WriteBackTimeout <= 0 {
		cfg.WriteBackTimeout = DefaultConfig().WriteBackTimeout
	}

	p := &Proxy{
		store:     store,
		forwarder: forwarder,
		config:    cfg,
		logger:    logging.NewLogger("proxy"),
	}
	p.writes.SetLimit(cfg.WriteBackConcurrency)
	return p, nil
}

// Key derives the cache fingerprint of a request.
func (p *Proxy) Key(req *Request) (cache.Fingerprint, error) {
	return KeyFor(req, p.config.HashMultipartContent)
}

// KeyFor derives the fingerprint of req. Multipart bodies are left out of the
// key unless hashMultipart is set, in which case the form content is hashed.
func KeyFor(req *Request, hashMultipart bool) (cache.Fingerprint, error) {
	contentType := req.Header.Get("Content-Type")

	body := req.Body
	if req.Form != nil || cache.IsMultipart(contentType) {
		body = nil
		if hashMultipart {
			digest, err := cache.HashForm(req.Form)
			if err != nil {
				return "", err
			}
			body = digest
		}
	}

	return cache.DeriveKey(
		req.Header.Get("Authorization"),
		contentType,
		req.Method,
		req.Path,
		body,
		req.Header.Get(HeaderFileName),
	), nil
}

// Handle runs one request through the pipeline:
// lookup (unless refreshing), forward on miss, schedule write-back on 2xx.
//
// Non-2xx responses are returned as-is and never cached. An error is
// returned only when the upstream produced no response.
func (p *Proxy) Handle(ctx context.Context, req *Request) (*http.Response, error) {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &p.logger
	}

	key, err := p.Key(req)
	cacheable := err == nil
	if err != nil {
		logger.Warn().Err(err).Str("path", req.Path).Msg("Could not fingerprint request, bypassing cache")
	}

	if req.ForceRefresh {
		logger.Debug().Str("key", key.String()).Msg("X-Proxy-Refresh was true, forcing a cache refresh")
	} else if cacheable {
		if entry, ok := p.store.Read(ctx, key); ok {
			proxyRequestsTotal.WithLabelValues("hit").Inc()
			logger.Debug().Str("key", key.String()).Msg("Returning cached response")
			return cache.EntryToResponse(entry), nil
		}
	}

	resp, err := p.forwarder.Forward(ctx, &upstream.Request{
		Method: req.Method,
		Path:   req.Path,
		Header: req.Header,
		Body:   req.Body,
		Form:   req.Form,
	})
	if err != nil {
		proxyRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	switch {
	case !cacheable:
		proxyRequestsTotal.WithLabelValues("uncacheable").Inc()
	case req.ForceRefresh:
		proxyRequestsTotal.WithLabelValues("refresh").Inc()
	default:
		proxyRequestsTotal.WithLabelValues("miss").Inc()
	}

	if !cacheable || !cache.IsSuccess(resp.StatusCode) {
		logger.Debug().Int("status_code", resp.StatusCode).Msg("Not caching error or uncacheable response")
		return resp, nil
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create cache entry")
		return resp, nil
	}

	ttl := cache.ResolveTTLWithDefault(req.TTL, p.config.DefaultTTL)
	logger.Debug().Str("key", key.String()).Dur("ttl", ttl).Msg("Writing 2xx response to cache")
	p.writeBack(ctx, key, entry, ttl, logger)

	return resp, nil
}

// writeBack stores entry in the background. The write outlives the request
// context and is tracked until Wait returns. When the concurrency limit is
// reached it runs inline instead of being dropped.
func (p *Proxy) writeBack(ctx context.Context, key cache.Fingerprint, entry *cache.CacheEntry, ttl time.Duration, logger *zerolog.Logger) {
	detached := context.WithoutCancel(ctx)
	write := func() error {
		writeCtx, cancel := context.WithTimeout(detached, p.config.WriteBackTimeout)
		defer cancel()

		if err := p.store.Write(writeCtx, key, entry, ttl); err != nil {
			writeBacksTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Str("key", key.String()).Msg("Cache write-back failed")
		}
		return nil
	}

	if p.writes.TryGo(write) {
		writeBacksTotal.WithLabelValues("async").Inc()
		return
	}

	writeBacksTotal.WithLabelValues("sync").Inc()
	logger.Debug().Str("key", key.String()).Msg("Write-back limit reached, writing inline")
	_ = write()
}

// Wait blocks until every scheduled write-back has finished.
// Call it after the HTTP server stopped accepting requests.
func (p *Proxy) Wait() {
	_ = p.writes.Wait()
}
