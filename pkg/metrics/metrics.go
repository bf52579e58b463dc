// Package metrics exposes the Prometheus registry used by the cache proxy.
// Collectors are defined in their own packages (cache, upstream, proxy) via
// promauto and registered on the default registry at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all proxy collectors are registered on.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics served on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - proxy_cache_hits_total{layer} (Counter): Cache hits by store (redis, memory)
//   - proxy_cache_misses_total (Counter): Lookups that found no live entry
//   - proxy_cache_writes_total{layer} (Counter): Entries written by store
//   - proxy_cache_size_bytes{layer} (Gauge): Size of the last written entry
//   - proxy_cache_errors_total{operation} (Counter): Store failures treated as misses or dropped writes
//
// Upstream Metrics (pkg/upstream):
//   - proxy_upstream_requests_total{status} (Counter): Upstream calls by HTTP status or error class
//   - proxy_upstream_duration_seconds{method} (Histogram): Upstream call duration
//
// Pipeline Metrics (pkg/proxy):
//   - proxy_requests_total{result} (Counter): hit, miss, refresh, uncacheable, error
//   - proxy_write_backs_total{mode} (Counter): async, sync (limit reached), failed
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(proxy_requests_total{result="hit"}[5m])) /
//   sum(rate(proxy_requests_total{result=~"hit|miss"}[5m]))
//
//   # Upstream Calls Saved
//   increase(proxy_requests_total{result="hit"}[1d])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(proxy_upstream_duration_seconds_bucket[5m]))
//
//   # Write-backs Falling Back to Inline
//   rate(proxy_write_backs_total{mode="sync"}[5m])
