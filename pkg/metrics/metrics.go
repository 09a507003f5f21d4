// Package metrics provides the Prometheus registry and scrape handler for the
// Canvas client. All metrics are defined in their respective packages
// (client, ratelimit, auth, pagination) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the Canvas client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - canvas_requests_total{method, status} (Counter): Requests by method and HTTP status or error class
//   - canvas_request_duration_seconds{method} (Histogram): Request duration through the whole pipeline
//   - canvas_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, auth)
//   - canvas_logging_failures_total (Counter): Log events dropped because the sink failed
//
// Retry Metrics (pkg/client):
//   - canvas_retries_total{error_class} (Counter): Retry attempts by error class
//   - canvas_retry_backoff_seconds (Histogram): Backoff before each retry
//   - canvas_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Rate Limit Metrics (pkg/client, pkg/ratelimit):
//   - canvas_rate_limit_remaining{registry,bucket} (Gauge): Locally tracked bucket capacity, removed once a bucket refills or is reset
//   - canvas_rate_limit_refunded_units_total{registry,bucket} (Counter): Pre-charge refunded after settlement
//   - canvas_rate_limit_throttled_total{outcome} (Counter): Self-throttled requests (waited, rejected)
//   - canvas_rate_limit_wait_seconds (Histogram): Time spent waiting for refill
//   - canvas_rate_limit_upstream_rejections_total (Counter): 403 rejections with zero remaining
//
// OAuth2 Metrics (pkg/client, pkg/auth):
//   - canvas_oauth2_refreshes_total{result} (Counter): Token exchanges by result (success, failure)
//   - canvas_oauth2_refresh_shared_total (Counter): Refreshes served by another caller's exchange
//   - canvas_oauth2_unauthorized_retries_total (Counter): Requests resent after a 401 and refresh
//   - canvas_token_store_errors_total{operation} (Counter): Token store failures
//
// Pagination Metrics (pkg/pagination):
//   - canvas_pagination_pages_fetched_total{rel} (Counter): Pages fetched by followed relation
//   - canvas_pagination_truncated_total{reason} (Counter): Traversals stopped early (error, max_pages, cycle)
//
// Example Prometheus Queries:
//
//   # Lowest bucket capacity
//   min by (registry) (canvas_rate_limit_remaining)
//
//   # Upstream rejection rate
//   rate(canvas_rate_limit_upstream_rejections_total[5m])
//
//   # Request Error Rate
//   sum by (class) (rate(canvas_errors_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(canvas_request_duration_seconds_bucket[5m]))
//
//   # Token refresh failures
//   rate(canvas_oauth2_refreshes_total{result="failure"}[15m])
