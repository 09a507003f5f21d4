package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for Canvas client operations.
var (
	canvasRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_requests_total",
		Help: "Total Canvas API requests by method and status",
	}, []string{"method", "status"})

	canvasRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvas_request_duration_seconds",
		Help:    "Canvas API request duration in seconds by method, including retries and throttling",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	canvasErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_errors_total",
		Help: "Total Canvas API errors by class",
	}, []string{"class"})

	canvasRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	canvasRetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "canvas_retry_backoff_seconds",
		Help:    "Backoff duration before a retry",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	canvasRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	canvasThrottleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_rate_limit_throttled_total",
		Help: "Requests held back by the local bucket by outcome",
	}, []string{"outcome"}) // "waited", "rejected"

	canvasThrottleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "canvas_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the local bucket to refill",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	canvasUpstreamRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_rate_limit_upstream_rejections_total",
		Help: "Requests rejected by Canvas with 403 and zero remaining capacity",
	})

	canvasUnauthorizedRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_oauth2_unauthorized_retries_total",
		Help: "Requests resent once after a 401 and a token refresh",
	})

	canvasLoggingFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_logging_failures_total",
		Help: "Logging middleware failures that were swallowed",
	})
)
