package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/canvas-client/pkg/logging"
	"github.com/Sternrassler/canvas-client/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeaderRequestID carries the correlation id of a request.
const HeaderRequestID = "X-Request-Id"

// LoggingConfig configures request/response logging.
type LoggingConfig struct {
	Enabled bool

	// LogResponses also logs responses and failures, not just requests.
	LogResponses bool

	// SanitizeFields are top-level JSON body fields replaced by logging.RedactedValue.
	SanitizeFields []string

	// MaxBodyLength truncates logged bodies. Zero disables truncation.
	MaxBodyLength int
}

// DefaultLoggingConfig returns the default logging configuration.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Enabled:        true,
		LogResponses:   true,
		SanitizeFields: append([]string(nil), logging.DefaultSanitizeFields...),
		MaxBodyLength:  1000,
	}
}

// LoggingMiddleware writes structured request and response events.
// A failing logger never fails the request.
type LoggingMiddleware struct {
	config LoggingConfig
	logger zerolog.Logger
}

// NewLoggingMiddleware creates the logging middleware.
func NewLoggingMiddleware(cfg LoggingConfig, logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{config: cfg, logger: logger}
}

// Name implements Middleware.
func (m *LoggingMiddleware) Name() string { return MiddlewareLogging }

// Wrap implements Middleware.
func (m *LoggingMiddleware) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		if !m.config.Enabled {
			return next(ctx, req)
		}

		send := req
		id := req.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			send = req.Clone()
			send.Header.Set(HeaderRequestID, id)
		}

		m.safely(func() { m.logRequest(id, send) })

		start := time.Now()
		resp, err := next(ctx, send)
		elapsed := time.Since(start)

		if m.config.LogResponses {
			m.safely(func() { m.logResult(id, send, resp, err, elapsed) })
		}
		return resp, err
	}
}

func (m *LoggingMiddleware) logRequest(id string, req *Request) {
	event := m.logger.Info().
		Str("request_id", id).
		Str("method", req.Method).
		Str("uri", req.URL.String()).
		Interface("headers", logging.RedactHeaders(req.Header))
	m.body(event, req.Body).Msg("request")
}

func (m *LoggingMiddleware) logResult(id string, req *Request, resp *Response, err error, elapsed time.Duration) {
	if err != nil {
		event := m.logger.Error().
			Str("request_id", id).
			Str("method", req.Method).
			Str("uri", req.URL.String()).
			Dur("elapsed", elapsed).
			Str("error_type", fmt.Sprintf("%T", err)).
			Str("error", err.Error())
		event.Msg("request failed")
		return
	}

	if !resp.IsSuccess() {
		event := m.logger.Error().
			Str("request_id", id).
			Str("method", req.Method).
			Str("uri", req.URL.String()).
			Int("status_code", resp.StatusCode).
			Dur("elapsed", elapsed).
			Str("error_type", "http_status").
			Str("error", resp.Status)
		m.body(event, resp.Body).Msg("response")
		return
	}

	event := m.logger.Info().
		Str("request_id", id).
		Int("status_code", resp.StatusCode).
		Dur("elapsed", elapsed)
	if v := resp.Header.Get(ratelimit.HeaderRemaining); v != "" {
		event = event.Str("rate_limit_remaining", v)
	}
	if v := resp.Header.Get(ratelimit.HeaderRequestCost); v != "" {
		event = event.Str("request_cost", v)
	}
	event.Msg("response")
}

// body adds the sanitized, truncated body. The original is left untouched.
func (m *LoggingMiddleware) body(event *zerolog.Event, body []byte) *zerolog.Event {
	if len(body) == 0 {
		return event
	}
	sanitized := logging.SanitizeJSON(body, m.config.SanitizeFields)
	text, cut := logging.Truncate(string(sanitized), m.config.MaxBodyLength)
	event = event.Str("body", text)
	if cut {
		event = event.Int("body_length", len(body))
	}
	return event
}

func (m *LoggingMiddleware) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			canvasLoggingFailuresTotal.Inc()
		}
	}()
	fn()
}
