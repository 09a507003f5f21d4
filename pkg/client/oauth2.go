package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/canvas-client/pkg/auth"
	"github.com/rs/zerolog"
)

// OAuth2Config enables OAuth2 mode.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string

	// TokenURL defaults to <scheme>://<host>/login/oauth2/token of the base URL.
	TokenURL string

	// Initial token state, used to seed a MemoryStore when Store is nil.
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// Store persists refreshed tokens (e.g. auth.RedisStore).
	Store auth.TokenStore

	// AutoRefresh refreshes tokens that expire within RefreshBuffer before sending.
	AutoRefresh bool

	// RetryOn401 refreshes and resends once after a 401.
	RetryOn401 bool

	// RefreshBuffer defaults to auth.DefaultRefreshBuffer.
	RefreshBuffer time.Duration
}

// DefaultOAuth2Config returns an OAuth2 configuration with refresh enabled.
func DefaultOAuth2Config() OAuth2Config {
	return OAuth2Config{
		AutoRefresh:   true,
		RetryOn401:    true,
		RefreshBuffer: auth.DefaultRefreshBuffer,
	}
}

// OAuth2Middleware attaches the bearer token and keeps it fresh. Requests to
// hosts other than the API host are sent without a token.
type OAuth2Middleware struct {
	manager     *auth.Manager
	apiHost     string
	autoRefresh bool
	retryOn401  bool
	logger      zerolog.Logger
}

// NewOAuth2Middleware creates the OAuth2 middleware around manager. apiHost
// is the configured Canvas host[:port]; an empty apiHost authorizes every host.
func NewOAuth2Middleware(manager *auth.Manager, cfg OAuth2Config, apiHost string, logger zerolog.Logger) *OAuth2Middleware {
	return &OAuth2Middleware{
		manager:     manager,
		apiHost:     apiHost,
		autoRefresh: cfg.AutoRefresh,
		retryOn401:  cfg.RetryOn401,
		logger:      logger,
	}
}

// Name implements Middleware.
func (m *OAuth2Middleware) Name() string { return MiddlewareOAuth2 }

// Wrap implements Middleware.
func (m *OAuth2Middleware) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		if !isAPIHost(req.URL, m.apiHost) {
			return next(ctx, req)
		}

		tok, err := m.token(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := next(ctx, withBearer(req, tok.AccessToken))
		if err != nil || resp.StatusCode != http.StatusUnauthorized || !m.retryOn401 {
			return resp, err
		}

		m.logger.Info().
			Str("uri", req.URL.String()).
			Msg("Received 401, refreshing access token")

		fresh, err := m.manager.Refresh(ctx, tok.AccessToken)
		if errors.Is(err, auth.ErrNoRefreshToken) {
			return resp, nil
		}
		if err != nil {
			return nil, refreshError(err)
		}

		canvasUnauthorizedRetriesTotal.Inc()
		return next(ctx, withBearer(req, fresh.AccessToken))
	}
}

func (m *OAuth2Middleware) token(ctx context.Context) (*auth.Token, error) {
	var (
		tok *auth.Token
		err error
	)
	if m.autoRefresh {
		tok, err = m.manager.Token(ctx)
	} else {
		tok, err = m.manager.Current(ctx)
	}
	if err != nil {
		return nil, refreshError(err)
	}
	return tok, nil
}

func refreshError(err error) *Error {
	return &Error{
		StatusCode: http.StatusUnauthorized,
		ErrorClass: ErrorClassAuth,
		Message:    "no usable access token",
		Err:        fmt.Errorf("%w: %w", ErrTokenRefresh, err),
	}
}

// isAPIHost reports whether u targets apiHost, compared as host[:port].
// Credentials are only sent to the API host.
func isAPIHost(u *url.URL, apiHost string) bool {
	if apiHost == "" {
		return true
	}
	return u != nil && strings.EqualFold(u.Host, apiHost)
}

func withBearer(req *Request, token string) *Request {
	out := req.Clone()
	out.Header.Set("Authorization", "Bearer "+token)
	return out
}
