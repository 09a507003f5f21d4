package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/canvas-client/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// RateLimitConfig configures client-side throttling against the Canvas
// leaky bucket.
type RateLimitConfig struct {
	Enabled bool

	// BucketSize is the bucket capacity for a registry created by the client.
	BucketSize float64

	// MinRemaining is the threshold below which requests wait or fail.
	MinRemaining float64

	// LeakRate is the refill rate in units per second.
	LeakRate float64

	// WaitOnLimit sleeps until the bucket refills instead of failing.
	WaitOnLimit bool

	// MaxWaitTime bounds the total time one request may spend waiting for
	// refills, across all waits.
	MaxWaitTime time.Duration

	// EstimatedCost is charged before sending and settled afterwards.
	EstimatedCost float64
}

// DefaultRateLimitConfig returns the Canvas defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		BucketSize:    ratelimit.DefaultBucketSize,
		MinRemaining:  100,
		LeakRate:      ratelimit.DefaultLeakRate,
		WaitOnLimit:   true,
		MaxWaitTime:   30 * time.Second,
		EstimatedCost: 50,
	}
}

// CredentialFunc returns the credential the next request will carry.
type CredentialFunc func(ctx context.Context) string

// RateLimitMiddleware charges every request against its bucket and
// reconciles the charge with the cost Canvas reports.
type RateLimitMiddleware struct {
	config     RateLimitConfig
	registry   *ratelimit.Registry
	apiHost    string
	credential CredentialFunc
	logger     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimitMiddleware creates the rate-limit middleware. apiHost is the
// configured Canvas host; credential may be nil.
func NewRateLimitMiddleware(cfg RateLimitConfig, registry *ratelimit.Registry, apiHost string, credential CredentialFunc, logger zerolog.Logger) *RateLimitMiddleware {
	if registry == nil {
		registry = ratelimit.NewRegistry(ratelimit.Policy{Capacity: cfg.BucketSize, LeakRate: cfg.LeakRate})
	}
	if credential == nil {
		credential = func(context.Context) string { return "" }
	}
	return &RateLimitMiddleware{
		config:     cfg,
		registry:   registry,
		apiHost:    apiHost,
		credential: credential,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Name implements Middleware.
func (m *RateLimitMiddleware) Name() string { return MiddlewareRateLimit }

// Registry returns the bucket registry.
func (m *RateLimitMiddleware) Registry() *ratelimit.Registry { return m.registry }

// BucketKey returns the bucket a request is charged against.
func (m *RateLimitMiddleware) BucketKey(ctx context.Context, req *Request) string {
	key := ratelimit.BucketKey{
		Override: req.Bucket,
		APIHost:  m.apiHost,
	}
	if req.URL != nil {
		key.Host = req.URL.Hostname()
	}
	if key.Override == "" {
		key.Credential = m.credential(ctx)
	}
	return key.String()
}

// Wrap implements Middleware.
func (m *RateLimitMiddleware) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		if !m.config.Enabled {
			return next(ctx, req)
		}

		key := m.BucketKey(ctx, req)
		charged, err := m.acquire(ctx, key)
		if err != nil {
			return nil, err
		}

		resp, err := next(ctx, req)
		if err != nil {
			m.registry.Refund(key, charged)
			return nil, err
		}

		report, perr := ratelimit.ParseHeaders(resp.Header)
		if perr != nil {
			m.logger.Debug().Err(perr).Str("bucket", key).Msg("Ignoring malformed rate limit headers")
		}
		bucket := m.registry.Settle(key, charged, report)

		if resp.StatusCode == http.StatusForbidden && report.Exhausted() {
			canvasUpstreamRejectionsTotal.Inc()
			m.logger.Warn().
				Str("bucket", key).
				Str("uri", req.URL.String()).
				Msg("Request rejected by Canvas rate limit")
			return nil, &RateLimitError{
				Bucket:     key,
				Remaining:  bucket.Remaining,
				Upstream:   true,
				StatusCode: resp.StatusCode,
				Body:       resp.Body,
			}
		}
		return resp, nil
	}
}

// acquire waits until the bucket holds MinRemaining, then pre-charges the
// estimated cost. It returns the amount charged.
func (m *RateLimitMiddleware) acquire(ctx context.Context, key string) (float64, error) {
	cost := m.config.EstimatedCost
	if cost < 0 {
		cost = 0
	}

	var waited time.Duration
	for {
		remaining, wait, ok := m.registry.Reserve(key, m.config.MinRemaining, cost)
		if ok {
			if waited > 0 {
				canvasThrottleTotal.WithLabelValues("waited").Inc()
				canvasThrottleWaitSeconds.Observe(waited.Seconds())
			}
			return cost, nil
		}

		if !m.config.WaitOnLimit || wait < 0 || waited+wait > m.config.MaxWaitTime {
			canvasThrottleTotal.WithLabelValues("rejected").Inc()
			if wait < 0 {
				wait = 0
			}
			m.logger.Warn().
				Str("bucket", key).
				Float64("remaining", remaining).
				Dur("wait", wait).
				Dur("waited", waited).
				Msg("Request blocked by rate limiter")
			return 0, &RateLimitError{Bucket: key, Remaining: remaining, Wait: wait}
		}

		m.logger.Warn().
			Str("bucket", key).
			Float64("remaining", remaining).
			Dur("wait", wait).
			Msg("Rate limit threshold reached, waiting for refill")

		if err := m.sleep(ctx, wait); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
		waited += wait
	}
}
