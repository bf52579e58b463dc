package cache

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultTTLSeconds is the TTL applied when a request does not set X-Proxy-TTL.
	DefaultTTLSeconds = 86400

	// DefaultTTL is DefaultTTLSeconds as a duration.
	DefaultTTL = DefaultTTLSeconds * time.Second
)

// ResponseToEntry converts an HTTP response to a CacheEntry.
// The response body is read fully and restored for the caller.
// Expiry is stamped by the store at write time.
func ResponseToEntry(resp *http.Response) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		resp.Body.Close()
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &CacheEntry{
		Data:       body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
	}, nil
}

// EntryToResponse rebuilds an HTTP response from a cache entry.
func EntryToResponse(entry *CacheEntry) *http.Response {
	if entry == nil {
		return nil
	}

	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}

	return &http.Response{
		Status:        strconv.Itoa(entry.StatusCode) + " " + http.StatusText(entry.StatusCode),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
	}
}

// maxTTLSeconds is the largest TTL that fits in a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// ResolveTTL converts a TTL in seconds to a duration.
// Non-positive values resolve to DefaultTTL; values past the range of
// time.Duration are clamped.
func ResolveTTL(seconds int) time.Duration {
	return ResolveTTLWithDefault(seconds, DefaultTTL)
}

// ResolveTTLWithDefault is ResolveTTL with a caller-supplied default.
func ResolveTTLWithDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	if int64(seconds) > maxTTLSeconds {
		return time.Duration(maxTTLSeconds) * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// IsSuccess reports whether the status code is 2xx.
func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
