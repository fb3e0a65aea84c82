// Package metrics exposes the Prometheus registry used by the bulk client.
// All metrics are defined in their respective packages (client, cache, ratelimit,
// pagination, bulk, auth) via promauto to maintain modularity and avoid circular
// dependencies.
//
// This package provides the HTTP handler and the reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the bulk client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves all registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Bulk Job Metrics (pkg/bulk):
//   - sfbulk_jobs_total{outcome} (Counter): Finished job runs (complete, failed, rejected, error)
//   - sfbulk_job_polls_total (Counter): Job status polls
//   - sfbulk_jobs_running (Gauge): Jobs currently running
//   - sfbulk_queue_batches_total (Counter): Queue batches dispatched
//
// Result Metrics (pkg/pagination):
//   - sfbulk_result_pages_total (Counter): Result pages delivered to consumers
//
// API Usage Metrics (pkg/ratelimit):
//   - sfbulk_api_usage_ratio (Gauge): Share of the org daily API allocation consumed
//   - sfbulk_api_usage_blocks_total (Counter): Requests blocked due to critical usage
//   - sfbulk_api_usage_throttles_total (Counter): Requests throttled due to warning usage
//
// Cache Metrics (pkg/cache):
//   - sfbulk_cache_hits_total (Counter): Metadata cache hits
//   - sfbulk_cache_misses_total (Counter): Metadata cache misses
//   - sfbulk_cache_size_bytes (Gauge): Bytes written to the cache
//   - sfbulk_304_responses_total (Counter): 304 Not Modified responses
//   - sfbulk_conditional_requests_total (Counter): Conditional requests sent
//   - sfbulk_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - sfbulk_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - sfbulk_request_duration_seconds{method} (Histogram): Request duration by method
//   - sfbulk_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - sfbulk_retries_total{error_class} (Counter): Retry attempts by error class
//   - sfbulk_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - sfbulk_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Auth Metrics (pkg/auth):
//   - sfbulk_auth_refresh_total{result} (Counter): JWT bearer grants by result
//
// Example Prometheus Queries:
//
//   # Job failure rate
//   sum(rate(sfbulk_jobs_total{outcome=~"failed|error"}[1h])) / sum(rate(sfbulk_jobs_total[1h]))
//
//   # Daily allocation close to exhaustion
//   sfbulk_api_usage_ratio > 0.8
//
//   # Result throughput
//   rate(sfbulk_result_pages_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(sfbulk_request_duration_seconds_bucket[5m]))
