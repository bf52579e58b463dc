package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/api-cache-proxy/internal/config"
	"github.com/Sternrassler/api-cache-proxy/pkg/cache"
	"github.com/Sternrassler/api-cache-proxy/pkg/logging"
	"github.com/Sternrassler/api-cache-proxy/pkg/proxy"
	"github.com/Sternrassler/api-cache-proxy/pkg/server"
	"github.com/Sternrassler/api-cache-proxy/pkg/upstream"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var shutdownTimeout = 30 * time.Second

type (
	cmd struct {
		Serve       struct{}       `cmd:"" default:"1" help:"Run the caching proxy (configured from the environment)."`
		Fingerprint cmdFingerprint `cmd:"" help:"Print the cache key the proxy derives for a request."`
		Version     struct{}       `cmd:"" help:"Show version."`
	}
	cmdFingerprint struct {
		Path          string `arg:"" help:"Upstream path with the proxy prefix already stripped, e.g. /chat/completions."`
		Method        string `default:"POST" help:"HTTP method."`
		Authorization string `help:"Authorization header value."`
		ContentType   string `default:"application/json" help:"Content-Type header value, including the boundary for multipart bodies."`
		Body          string `help:"Request body." xor:"body"`
		BodyFile      string `help:"Read the request body from a file." type:"existingfile" xor:"body"`
		FileName      string `help:"X-File-Name header value."`
		ContentHash   bool   `help:"Key multipart bodies on their content (MULTIPART_CONTENT_HASH)."`
	}
)

type serveFn func(ctx context.Context) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], serve)
}

func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, sf serveFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("cache-proxy"),
		kong.Description("Caching reverse proxy for billed HTTP APIs"),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch kctx.Command() {
	case "serve":
		if err := sf(ctx); err != nil {
			log.Fatalf("Error serving: %v", err)
		}
	case "fingerprint <path>":
		key, err := c.Fingerprint.key()
		parser.FatalIfErrorf(err)
		_, _ = fmt.Fprintln(stdout, key)
	case "version":
		_, _ = fmt.Fprintf(stdout, "cache-proxy: %s\n", version)
	default:
		panic("unreachable")
	}
}

func (c cmdFingerprint) key() (cache.Fingerprint, error) {
	body := []byte(c.Body)
	if c.BodyFile != "" {
		b, err := os.ReadFile(c.BodyFile)
		if err != nil {
			return "", fmt.Errorf("read body file: %w", err)
		}
		body = b
	}

	req := &proxy.Request{
		Method: c.Method,
		Path:   c.Path,
		Header: http.Header{},
		Body:   body,
	}
	req.Header.Set("Content-Type", c.ContentType)
	if c.Authorization != "" {
		req.Header.Set("Authorization", c.Authorization)
	}
	if c.FileName != "" {
		req.Header.Set(proxy.HeaderFileName, c.FileName)
	}

	if c.ContentHash && cache.IsMultipart(c.ContentType) {
		form, err := parseForm(body, c.ContentType)
		if err != nil {
			return "", err
		}
		defer form.RemoveAll()
		req.Body = nil
		req.Form = form
	}

	return proxy.KeyFor(req, c.ContentHash)
}

func parseForm(body []byte, contentType string) (*multipart.Form, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse content type: %w", err)
	}
	if params["boundary"] == "" {
		return nil, errors.New("multipart content type has no boundary")
	}
	form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(server.DefaultMaxMultipartMemory)
	if err != nil {
		return nil, fmt.Errorf("read multipart body: %w", err)
	}
	return form, nil
}

// serve runs the proxy until ctx is canceled, then stops accepting requests
// and waits for pending cache writes.
func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	logger := logging.Setup(logCfg)

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	fwd, err := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create forwarder: %w", err)
	}

	p, err := proxy.New(store, fwd, proxy.Config{
		HashMultipartContent: cfg.Proxy.MultipartContentHash,
		DefaultTTL:           cfg.Proxy.DefaultTTL,
		WriteBackTimeout:     cfg.Proxy.WriteBackTimeout,
		WriteBackConcurrency: cfg.Proxy.WriteBackConcurrency,
	})
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: server.New(server.Options{
			Proxy:              p,
			Store:              store,
			Logger:             logger,
			Prefix:             cfg.Proxy.Prefix,
			DefaultTTL:         cfg.Proxy.DefaultTTL,
			MaxMultipartMemory: cfg.Proxy.MaxMultipartMemory,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", cfg.Upstream.BaseURL).
			Str("backend", cfg.Cache.Backend).
			Msg("Starting cache proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Handlers may still be scheduling writes; waiting now would race them.
			logger.Warn().Err(err).Msg("Shutdown incomplete, pending cache writes may be lost")
			return err
		}

		p.Wait()
		logger.Info().Msg("Pending cache writes flushed")
		return nil
	})

	return g.Wait()
}

// newStore connects the configured cache backend. A Redis server that does
// not answer at startup is logged; requests then bypass the cache until it recovers.
func newStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, func(), error) {
	if cfg.Cache.Backend == config.BackendMemory {
		logger.Info().Msg("Using in-memory cache")
		return cache.NewMemoryStore(nil), func() {}, nil
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, nil, err
	}
	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis not reachable, serving without cache until it recovers")
	} else {
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	store := cache.NewManager(redisClient)
	return store, func() { _ = redisClient.Close() }, nil
}
