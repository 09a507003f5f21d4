// Package logging provides structured logging configuration using zerolog
// and the redaction helpers used when request data is written to logs.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Component names used in the "component" field.
const (
	ComponentClient     = "canvas-client"
	ComponentRateLimit  = "ratelimit"
	ComponentOAuth2     = "oauth2"
	ComponentPagination = "pagination"
	ComponentProxy      = "canvas-proxy"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is added as "service" field to every event when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// New builds a logger from cfg without touching global state. The level is
// applied to the logger itself so libraries can hold their own.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	return ctx.Logger()
}

// Setup configures the global zerolog logger. Binaries call it once at startup.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	logger := New(cfg)
	log.Logger = logger
	return logger
}

// ParseLevel converts LogLevel to zerolog.Level. Unknown levels map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level names a known level.
func ValidLevel(level LogLevel) bool {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// NewLogger creates a new logger with the given component name, derived from
// the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Component derives a component logger from base.
func Component(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Bucket state (created, settled, refunded)
//   - Pagination cursor moves
//   - Token expiry checks
//
// Info: Normal operation events
//   - Request and response events of the logging middleware
//   - OAuth2 token refreshed
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Self-throttling (waiting for bucket refill)
//   - Truncated pagination traversal
//
// Error: Error conditions requiring attention
//   - Non-2xx responses and transport errors
//   - Failed token refresh
//   - Retries exhausted
//   - Configuration errors
//
// Context Fields:
//   - request_id: Correlation id of one logical request
//   - method, uri: Request line
//   - status_code: HTTP status code
//   - elapsed: Request duration
//   - error_class: Error classification (client, server, rate_limit, network, auth)
//   - bucket: Rate-limit bucket key (never the credential itself)
//   - rate_limit_remaining: X-Rate-Limit-Remaining of the response
//   - request_cost: X-Request-Cost of the response
//   - attempt: Retry attempt number
