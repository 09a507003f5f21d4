package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents upstream rejections (403 with zero
	// remaining, 429) and local self-throttling.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents credential failures such as a rejected token refresh.
	ErrorClassAuth ErrorClass = "auth"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled while waiting.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrTokenRefresh is returned when the OAuth2 token could not be refreshed.
	ErrTokenRefresh = errors.New("oauth2 token refresh failed")
)

// Error is a failed Canvas request.
type Error struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canvas %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("canvas %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimitError reports a request that was not served because of rate
// limiting. Upstream distinguishes a server rejection from local
// self-throttling, where nothing was sent.
type RateLimitError struct {
	Bucket    string
	Remaining float64
	Wait      time.Duration
	Upstream  bool

	// StatusCode and Body of the rejecting response, upstream only.
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.Upstream {
		return fmt.Sprintf("canvas rate limit exceeded (status %d, bucket %s)", e.StatusCode, e.Bucket)
	}
	if e.Wait > 0 {
		return fmt.Sprintf("rate limit bucket %s below threshold (remaining %.1f, wait %s exceeds limit)",
			e.Bucket, e.Remaining, e.Wait)
	}
	return fmt.Sprintf("rate limit bucket %s below threshold (remaining %.1f)", e.Bucket, e.Remaining)
}

// Is matches ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// classifyStatus maps an HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError maps a failure returned by the pipeline to an error class.
func classifyError(err error) ErrorClass {
	var rlErr *RateLimitError
	var cErr *Error
	switch {
	case errors.As(err, &rlErr):
		return ErrorClassRateLimit
	case errors.As(err, &cErr):
		return cErr.ErrorClass
	default:
		return ErrorClassNetwork
	}
}

// statusError builds the error returned for a non-2xx response.
func statusError(resp *Response) *Error {
	msg := resp.Status
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{
		StatusCode: resp.StatusCode,
		ErrorClass: classifyStatus(resp.StatusCode),
		Message:    msg,
		Body:       resp.Body,
	}
}

// isTransient reports transport errors worth retrying: timeouts, refused or
// reset connections and truncated responses.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
