// Package upstream forwards proxied requests to the third-party API.
// It relays bytes only: no retries, no interpretation of responses.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/api-cache-proxy/pkg/logging"
)

// DefaultBaseURL is the upstream API the proxy fronts unless configured otherwise.
const DefaultBaseURL = "https://api.openai.com/v1"

// Prometheus metrics for upstream calls.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_requests_total",
		Help: "Total upstream requests by status code or error class",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_upstream_duration_seconds",
		Help:    "Upstream request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"method"})
)

// Request is an outbound call to the upstream API.
// Exactly one of Body and Form is used; Form wins when set.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	Form   *multipart.Form
}

// Config holds the forwarder configuration.
type Config struct {
	// BaseURL is prepended to every request path
	BaseURL string

	// Timeout bounds a whole upstream call. Zero leaves it to the transport.
	Timeout time.Duration
}

// DefaultConfig returns the default forwarder configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
	}
}

// Forwarder issues upstream calls.
type Forwarder struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// New creates a new Forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	return &Forwarder{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logging.NewLogger("upstream"),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *Forwarder) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// URL returns the upstream URL for a path.
func (f *Forwarder) URL(path string) string {
	return f.baseURL + path
}

// Forward sends req upstream and returns the response with its body fully
// buffered. Any status code is a successful forward; only failures to obtain
// a response return an error, of type *Error.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	target := f.URL(req.Path)

	httpReq, err := f.newRequest(ctx, req, target)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(string(ErrorClassRequest)).Inc()
		return nil, &Error{Method: req.Method, URL: target, ErrorClass: ErrorClassRequest, Err: err}
	}

	f.logger.Debug().
		Str("method", req.Method).
		Str("url", target).
		Bool("multipart", req.Form != nil).
		Msg("Forwarding request upstream")

	startTime := time.Now()
	resp, err := f.httpClient.Do(httpReq)
	upstreamRequestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	if err != nil {
		return nil, f.fail(req.Method, target, err)
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, f.fail(req.Method, target, fmt.Errorf("read response body: %w", err))
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	f.logger.Debug().
		Str("url", target).
		Int("status_code", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("Upstream responded")

	return resp, nil
}

func (f *Forwarder) fail(method, target string, err error) error {
	class := classifyError(err)
	upstreamRequestsTotal.WithLabelValues(string(class)).Inc()
	f.logger.Error().Err(err).
		Str("url", target).
		Str("error_class", string(class)).
		Msg("Upstream request failed")
	return &Error{Method: method, URL: target, ErrorClass: class, Err: err}
}

func (f *Forwarder) newRequest(ctx context.Context, req *Request, target string) (*http.Request, error) {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	var body io.Reader
	if req.Form != nil {
		// The inbound boundary no longer matches the re-encoded body.
		encoded, contentType, err := EncodeForm(req.Form)
		if err != nil {
			return nil, err
		}
		header.Del("Content-Type")
		header.Set("Content-Type", contentType)
		body = bytes.NewReader(encoded)
	} else if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = header
	return httpReq, nil
}

// EncodeForm re-encodes a parsed multipart form with a fresh boundary.
// It returns the body and the matching Content-Type header value.
// Value fields come first, then files, each in field name order.
func EncodeForm(form *multipart.Form) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	names := make([]string, 0, len(form.Value))
	for name := range form.Value {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range form.Value[name] {
			if err := w.WriteField(name, v); err != nil {
				return nil, "", fmt.Errorf("write field %q: %w", name, err)
			}
		}
	}

	files := make([]string, 0, len(form.File))
	for name := range form.File {
		files = append(files, name)
	}
	sort.Strings(files)
	for _, name := range files {
		for _, fh := range form.File[name] {
			if err := copyFilePart(w, fh); err != nil {
				return nil, "", fmt.Errorf("write file %q: %w", name, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// copyFilePart writes fh as a part, keeping its original part headers
// (Content-Disposition and Content-Type).
func copyFilePart(w *multipart.Writer, fh *multipart.FileHeader) error {
	part, err := w.CreatePart(fh.Header)
	if err != nil {
		return err
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(part, f)
	return err
}
