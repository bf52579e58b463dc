// Package server is the HTTP edge of the proxy. It decides which requests go
// through the caching pipeline and answers everything else with a healthcheck.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Sternrassler/api-cache-proxy/pkg/cache"
	"github.com/Sternrassler/api-cache-proxy/pkg/metrics"
	"github.com/Sternrassler/api-cache-proxy/pkg/proxy"
)

// DefaultPrefix is stripped from inbound paths before forwarding.
const DefaultPrefix = "/proxy"

// DefaultMaxMultipartMemory is the in-memory part of a parsed upload; the rest spills to disk.
const DefaultMaxMultipartMemory = 32 << 20

const healthBody = `{"ok":true}`

// Handler runs a classified request through the cache. *proxy.Proxy implements it.
type Handler interface {
	Handle(ctx context.Context, req *proxy.Request) (*http.Response, error)
}

// Pinger reports whether the cache substrate is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	Proxy  Handler
	Store  Pinger
	Logger zerolog.Logger

	// Prefix is removed from the start of the path. Empty means DefaultPrefix.
	Prefix string

	// DefaultTTL applies when X-Proxy-TTL is absent, not a number or not positive.
	DefaultTTL time.Duration

	MaxMultipartMemory int64
}

// Server holds the router and its dependencies.
type Server struct {
	Router *chi.Mux

	proxy      Handler
	store      Pinger
	prefix     string
	defaultTTL int
	maxMemory  int64
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.MaxMultipartMemory <= 0 {
		opts.MaxMultipartMemory = DefaultMaxMultipartMemory
	}
	ttl := int(opts.DefaultTTL / time.Second)
	if ttl <= 0 {
		ttl = cache.DefaultTTLSeconds
	}

	s := &Server{
		Router:     chi.NewRouter(),
		proxy:      opts.Proxy,
		store:      opts.Store,
		prefix:     opts.Prefix,
		defaultTTL: ttl,
		maxMemory:  opts.MaxMultipartMemory,
	}

	r := s.Router
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status_code", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))
	r.Use(chimw.Recoverer)

	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Anything else, including other methods on the routes above, is either
	// proxied or answered with the healthcheck.
	r.NotFound(s.handleRequest)
	r.MethodNotAllowed(s.handleRequest)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// requestID attaches the caller's X-Request-ID, or a fresh one, to the log context.
// The response is not modified.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(chimw.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		logger := zerolog.Ctx(r.Context())
		logger.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

// IsProxyRequest reports whether r goes through the cache: a POST with a JSON
// or multipart body whose X-Proxy-TTL is not "0".
func IsProxyRequest(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	contentType := r.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") && !strings.Contains(contentType, "multipart/form-data") {
		return false
	}
	return r.Header.Get(proxy.HeaderTTL) != "0"
}

// ParseTTL reads X-Proxy-TTL in seconds, falling back to def when absent,
// not an integer or not positive.
func ParseTTL(value string, def int) int {
	if value == "" {
		return def
	}
	ttl, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || ttl <= 0 {
		return def
	}
	return ttl
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !IsProxyRequest(r) {
		hlog.FromRequest(r).Debug().Str("method", r.Method).Msg("Not a proxy request, falling back to healthcheck")
		writeHealthcheck(w)
		return
	}
	s.handleProxy(w, r)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)

	req := &proxy.Request{
		Method:       r.Method,
		Path:         strings.TrimPrefix(r.URL.EscapedPath(), s.prefix),
		Header:       forwardHeaders(r.Header),
		TTL:          ParseTTL(r.Header.Get(proxy.HeaderTTL), s.defaultTTL),
		ForceRefresh: r.Header.Get(proxy.HeaderRefresh) == "true",
	}

	if cache.IsMultipart(r.Header.Get("Content-Type")) {
		if err := r.ParseMultipartForm(s.maxMemory); err != nil {
			logger.Warn().Err(err).Msg("Invalid multipart body")
			http.Error(w, fmt.Sprintf("invalid multipart body: %v", err), http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()
		req.Form = r.MultipartForm
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to read request body")
			http.Error(w, fmt.Sprintf("read request body: %v", err), http.StatusBadRequest)
			return
		}
		req.Body = body
	}

	resp, err := s.proxy.Handle(r.Context(), req)
	if err != nil {
		logger.Error().Err(err).Str("path", req.Path).Msg("Upstream request failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	writeResponse(w, resp, logger)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Cache not reachable")
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to write ready response")
	}
}

func writeHealthcheck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(healthBody))
}

// writeResponse relays status, headers and body unchanged.
func writeResponse(w http.ResponseWriter, resp *http.Response, logger *zerolog.Logger) {
	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn().Err(err).Msg("Failed to write response body")
	}
}

// hopHeaders apply to a single connection and are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func forwardHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, h := range hopHeaders {
		out.Del(h)
	}
	return out
}
