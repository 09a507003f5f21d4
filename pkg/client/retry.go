package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// Delay is the backoff before the second attempt.
	Delay time.Duration

	// Multiplier is the factor for exponential backoff.
	Multiplier float64

	// MaxDelay caps a single backoff.
	MaxDelay time.Duration

	// Jitter draws each backoff uniformly from [0.75*delay, delay].
	Jitter bool

	// RetryOnStatus lists the response statuses that are retried.
	RetryOnStatus []int

	// RetryOnRateLimit retries upstream rate-limit rejections.
	// Local self-throttling is never retried.
	RetryOnRateLimit bool

	// RetryOnTimeout retries transient transport errors.
	RetryOnTimeout bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      3,
		Delay:            1 * time.Second,
		Multiplier:       2.0,
		MaxDelay:         30 * time.Second,
		Jitter:           true,
		RetryOnStatus:    []int{429, 500, 502, 503, 504},
		RetryOnRateLimit: true,
		RetryOnTimeout:   true,
	}
}

// Backoff returns the delay after the given failed attempt (1-based),
// before jitter: min(MaxDelay, Delay * Multiplier^(attempt-1)).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(c.Delay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

func (c RetryConfig) retryStatus(status int) bool {
	for _, s := range c.RetryOnStatus {
		if s == status {
			return true
		}
	}
	return false
}

// RetryMiddleware resends failed requests with exponential backoff.
type RetryMiddleware struct {
	config RetryConfig
	logger zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// NewRetryMiddleware creates the retry middleware.
func NewRetryMiddleware(cfg RetryConfig, logger zerolog.Logger) *RetryMiddleware {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryMiddleware{
		config: cfg,
		logger: logger,
		sleep:  sleepContext,
		random: rand.Float64,
	}
}

// Name implements Middleware.
func (m *RetryMiddleware) Name() string { return MiddlewareRetry }

// Config returns the retry configuration.
func (m *RetryMiddleware) Config() RetryConfig { return m.config }

// Wrap implements Middleware.
func (m *RetryMiddleware) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		for attempt := 1; ; attempt++ {
			resp, err := next(ctx, req)

			retryable, cause := m.shouldRetry(ctx, resp, err)
			if !retryable {
				if attempt > 1 && err == nil && resp != nil && resp.IsSuccess() {
					m.logger.Info().
						Str("uri", req.URL.String()).
						Int("attempt", attempt).
						Msg("Request succeeded after retry")
				}
				return resp, err
			}

			errClass := classifyError(cause)
			if attempt >= m.config.MaxAttempts {
				canvasRetryExhaustedTotal.WithLabelValues(string(errClass)).Inc()
				m.logger.Error().
					Err(cause).
					Str("uri", req.URL.String()).
					Int("max_attempts", m.config.MaxAttempts).
					Msg("Retry attempts exhausted")
				return nil, exhaustedError(cause, attempt)
			}

			delay := m.delay(attempt)
			canvasRetriesTotal.WithLabelValues(string(errClass)).Inc()
			canvasRetryBackoffSeconds.Observe(delay.Seconds())

			m.logger.Warn().
				Err(cause).
				Str("uri", req.URL.String()).
				Str("error_class", string(errClass)).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying request after backoff")

			if err := m.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
			}
		}
	}
}

// shouldRetry decides whether the outcome of one attempt is retried and
// returns the failure it represents.
func (m *RetryMiddleware) shouldRetry(ctx context.Context, resp *Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	if err != nil {
		var rlErr *RateLimitError
		if errors.As(err, &rlErr) {
			return rlErr.Upstream && m.config.RetryOnRateLimit, err
		}
		var cErr *Error
		if errors.As(err, &cErr) {
			return false, err
		}
		return m.config.RetryOnTimeout && isTransient(err), err
	}

	if resp != nil && m.config.retryStatus(resp.StatusCode) {
		return true, statusError(resp)
	}
	return false, nil
}

// delay returns the jittered backoff for a failed attempt.
func (m *RetryMiddleware) delay(attempt int) time.Duration {
	d := m.config.Backoff(attempt)
	if !m.config.Jitter || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (0.75 + 0.25*m.random()))
}

// exhaustedError wraps the final failure of a request that ran out of attempts.
func exhaustedError(cause error, attempts int) *Error {
	e := &Error{
		ErrorClass: classifyError(cause),
		Message:    fmt.Sprintf("giving up after %d attempts", attempts),
		Err:        fmt.Errorf("%w: %w", ErrRetryExhausted, cause),
	}

	var rlErr *RateLimitError
	var cErr *Error
	switch {
	case errors.As(cause, &rlErr):
		e.StatusCode = rlErr.StatusCode
		e.Body = rlErr.Body
	case errors.As(cause, &cErr):
		e.StatusCode = cErr.StatusCode
		e.Body = cErr.Body
	}
	return e
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
