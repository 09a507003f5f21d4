// Package client provides the Canvas LMS HTTP client: a named middleware
// pipeline (retry, rate limiting, OAuth2 refresh, logging) around a
// transport, plus the entry points into the pagination engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/canvas-client/pkg/auth"
	"github.com/Sternrassler/canvas-client/pkg/logging"
	"github.com/Sternrassler/canvas-client/pkg/pagination"
	"github.com/Sternrassler/canvas-client/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "canvas-client-go/1.0"

// DefaultMaxPages bounds a single paginated traversal.
const DefaultMaxPages = 100

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://school.instructure.com/api/v1".
	BaseURL string

	// AccountID is the default account for account-scoped endpoints.
	AccountID string

	// APIKey is a static access token. Ignored in OAuth2 mode.
	APIKey string

	// OAuth2 enables OAuth2 mode when set.
	OAuth2 *OAuth2Config

	// UserAgent header sent with every request.
	UserAgent string

	// HTTPClient used by the default transport.
	HTTPClient *http.Client

	// Timeout of the default HTTP client.
	Timeout time.Duration

	Retry     RetryConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig

	// Logger enables the logging middleware when set.
	Logger *zerolog.Logger

	// MaxPages caps FetchAllPages on responses from GetPaginated. Zero means
	// no limit.
	MaxPages int

	// Registry is shared rate-limit state. A fresh registry is created when nil.
	Registry *ratelimit.Registry

	// Transport replaces the wire-level handler. Setting it disables the
	// default middleware.
	Transport Handler

	// Middleware replaces the default middleware, outermost first.
	Middleware []Middleware
}

// DefaultConfig returns a safe default configuration for API key mode.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		UserAgent: DefaultUserAgent,
		Timeout:   30 * time.Second,
		MaxPages:  DefaultMaxPages,
		Retry:     DefaultRetryConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Logging:   DefaultLoggingConfig(),
	}
}

// Client is the Canvas API client.
type Client struct {
	config    Config
	baseURL   *url.URL
	pipeline  *Pipeline
	transport Handler
	registry  *ratelimit.Registry
	tokens    *auth.Manager
	logger    zerolog.Logger
}

// New creates a new Canvas client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute (got %q)", cfg.BaseURL)
	}
	if cfg.OAuth2 == nil && cfg.APIKey == "" {
		return nil, fmt.Errorf("API key or OAuth2 configuration is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logging.Component(logger, logging.ComponentClient)

	c := &Client{
		config:  cfg,
		baseURL: base,
		logger:  logger,
	}

	c.registry = cfg.Registry
	if c.registry == nil {
		c.registry = ratelimit.NewRegistry(
			ratelimit.Policy{Capacity: cfg.RateLimit.BucketSize, LeakRate: cfg.RateLimit.LeakRate},
			ratelimit.WithLogger(logging.Component(logger, logging.ComponentRateLimit)),
		)
	}

	if cfg.OAuth2 != nil {
		c.tokens, err = newTokenManager(*cfg.OAuth2, base, cfg.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
	}

	c.transport = cfg.Transport
	if c.transport == nil {
		hc := cfg.HTTPClient
		if hc == nil {
			hc = &http.Client{Timeout: cfg.Timeout}
		}
		c.transport = HTTPTransport(hc)
	}

	switch {
	case cfg.Middleware != nil:
		c.pipeline = NewPipeline(cfg.Middleware...)
	case cfg.Transport != nil:
		c.pipeline = NewPipeline()
	default:
		c.pipeline = NewPipeline(c.DefaultMiddleware()...)
	}

	return c, nil
}

func newTokenManager(cfg OAuth2Config, base *url.URL, hc *http.Client, logger zerolog.Logger) (*auth.Manager, error) {
	if cfg.TokenURL == "" {
		cfg.TokenURL = base.Scheme + "://" + base.Host + "/login/oauth2/token"
	}

	store := cfg.Store
	if store == nil {
		if cfg.AccessToken == "" {
			return nil, fmt.Errorf("oauth2 access token or token store is required")
		}
		store = auth.NewMemoryStore(&auth.Token{
			AccessToken:  cfg.AccessToken,
			RefreshToken: cfg.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       cfg.ExpiresAt,
		})
	}

	var refresher auth.Refresher
	if cfg.ClientID != "" || cfg.ClientSecret != "" {
		authCfg := auth.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			HTTPClient:   hc,
		}
		if err := authCfg.Validate(); err != nil {
			return nil, fmt.Errorf("oauth2: %w", err)
		}
		refresher = auth.NewRefresher(authCfg)
	}

	buffer := cfg.RefreshBuffer
	if buffer <= 0 {
		buffer = auth.DefaultRefreshBuffer
	}
	return auth.NewManager(store, refresher,
		auth.WithRefreshBuffer(buffer),
		auth.WithManagerLogger(logging.Component(logger, logging.ComponentOAuth2)),
	), nil
}

// DefaultMiddleware returns the default middleware set, outermost first:
// retry, rate_limit, oauth2 (OAuth2 mode only), logging (with a logger only).
func (c *Client) DefaultMiddleware() []Middleware {
	mws := []Middleware{
		NewRetryMiddleware(c.config.Retry, c.logger),
		NewRateLimitMiddleware(c.config.RateLimit, c.registry, c.baseURL.Hostname(), c.credential,
			logging.Component(c.logger, logging.ComponentRateLimit)),
	}
	if c.tokens != nil {
		mws = append(mws, NewOAuth2Middleware(c.tokens, *c.config.OAuth2, c.baseURL.Host,
			logging.Component(c.logger, logging.ComponentOAuth2)))
	}
	if c.config.Logger != nil {
		mws = append(mws, NewLoggingMiddleware(c.config.Logging, *c.config.Logger))
	}
	return mws
}

// credential returns the credential used for bucket keys.
func (c *Client) credential(ctx context.Context) string {
	if c.tokens != nil {
		return c.tokens.AccessToken(ctx)
	}
	return c.config.APIKey
}

// Pipeline returns the client's middleware pipeline.
func (c *Client) Pipeline() *Pipeline { return c.pipeline }

// Use adds or replaces a middleware.
func (c *Client) Use(mw Middleware) { c.pipeline.Add(mw) }

// Remove drops a middleware by name.
func (c *Client) Remove(name string) { c.pipeline.Remove(name) }

// Registry returns the rate-limit registry.
func (c *Client) Registry() *ratelimit.Registry { return c.registry }

// Tokens returns the OAuth2 token manager, nil in API key mode.
func (c *Client) Tokens() *auth.Manager { return c.tokens }

// AccountID returns the configured default account.
func (c *Client) AccountID() string { return c.config.AccountID }

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// RequestOption customizes a single request.
type RequestOption func(*Request)

// WithBucket charges the request against an explicit rate-limit bucket.
func WithBucket(key string) RequestOption {
	return func(r *Request) { r.Bucket = key }
}

// WithHeader sets a request header.
func WithHeader(name, value string) RequestOption {
	return func(r *Request) { r.Header.Set(name, value) }
}

// ResolveURL turns an endpoint into an absolute URL. Absolute URLs (such as
// pagination links) are kept; relative endpoints are joined to the base URL.
func (c *Client) ResolveURL(endpoint string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if !u.IsAbs() {
		resolved := *c.baseURL
		path := "/" + strings.TrimLeft(u.Path, "/")
		if c.baseURL.Path != "" && !strings.HasPrefix(path, c.baseURL.Path+"/") {
			path = c.baseURL.Path + path
		}
		resolved.Path = path
		resolved.RawQuery = u.RawQuery
		u = &resolved
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q[k] = append([]string(nil), vs...)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// NewRequest builds a request for endpoint.
func (c *Client) NewRequest(method, endpoint string, query url.Values, body []byte, opts ...RequestOption) (*Request, error) {
	u, err := c.ResolveURL(endpoint, query)
	if err != nil {
		return nil, err
	}
	req := &Request{
		Method: method,
		URL:    u,
		Header: http.Header{},
		Body:   body,
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.tokens == nil && c.config.APIKey != "" && isAPIHost(u, c.baseURL.Host) {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	for _, opt := range opts {
		opt(req)
	}
	return req, nil
}

// Do sends req through the pipeline. Non-2xx responses become *Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	startTime := time.Now()
	defer func() {
		canvasRequestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.pipeline.Then(c.transport)(ctx, req)
	if err != nil {
		class := classifyError(err)
		canvasErrorsTotal.WithLabelValues(string(class)).Inc()
		canvasRequestsTotal.WithLabelValues(req.Method, string(class)).Inc()

		var cErr *Error
		var rlErr *RateLimitError
		if errors.As(err, &cErr) || errors.As(err, &rlErr) || errors.Is(err, ErrContextCancelled) {
			return nil, err
		}
		return nil, &Error{
			ErrorClass: class,
			Message:    fmt.Sprintf("%s %s", req.Method, req.URL.Path),
			Err:        err,
		}
	}

	canvasRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if !resp.IsSuccess() {
		e := statusError(resp)
		canvasErrorsTotal.WithLabelValues(string(e.ErrorClass)).Inc()
		return resp, e
	}
	return resp, nil
}

// Request builds and sends a request.
func (c *Client) Request(ctx context.Context, method, endpoint string, query url.Values, body []byte, opts ...RequestOption) (*Response, error) {
	req, err := c.NewRequest(method, endpoint, query, body, opts...)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodGet, endpoint, query, nil, opts...)
}

// Post performs a POST request with a raw body.
func (c *Client) Post(ctx context.Context, endpoint string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPost, endpoint, nil, body, opts...)
}

// Put performs a PUT request with a raw body.
func (c *Client) Put(ctx context.Context, endpoint string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPut, endpoint, nil, body, opts...)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string, query url.Values, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, endpoint, query, nil, opts...)
}

// PostJSON marshals v and POSTs it.
func (c *Client) PostJSON(ctx context.Context, endpoint string, v interface{}, opts ...RequestOption) (*Response, error) {
	return c.sendJSON(ctx, http.MethodPost, endpoint, v, opts)
}

// PutJSON marshals v and PUTs it.
func (c *Client) PutJSON(ctx context.Context, endpoint string, v interface{}, opts ...RequestOption) (*Response, error) {
	return c.sendJSON(ctx, http.MethodPut, endpoint, v, opts)
}

func (c *Client) sendJSON(ctx context.Context, method, endpoint string, v interface{}, opts []RequestOption) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	opts = append([]RequestOption{WithHeader("Content-Type", "application/json")}, opts...)
	return c.Request(ctx, method, endpoint, nil, body, opts...)
}

// PostForm POSTs form-encoded values, e.g. course[name]=Biology.
func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values, opts ...RequestOption) (*Response, error) {
	opts = append([]RequestOption{WithHeader("Content-Type", "application/x-www-form-urlencoded")}, opts...)
	return c.Request(ctx, http.MethodPost, endpoint, nil, []byte(form.Encode()), opts...)
}

// GetPaginated fetches the first page of a collection endpoint.
func (c *Client) GetPaginated(ctx context.Context, endpoint string, query url.Values, opts ...RequestOption) (*pagination.Response, error) {
	fetcher := c.fetcher(opts)
	raw, err := fetcher.Fetch(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	return pagination.New(raw, pagination.Cursor{Endpoint: endpoint, Query: query}, fetcher,
		pagination.WithMaxPages(c.config.MaxPages),
		pagination.WithLogger(logging.Component(c.logger, logging.ComponentPagination))), nil
}

// Fetch implements pagination.Fetcher.
func (c *Client) Fetch(ctx context.Context, endpoint string, query url.Values) (*pagination.RawResponse, error) {
	return c.fetcher(nil).Fetch(ctx, endpoint, query)
}

func (c *Client) fetcher(opts []RequestOption) pagination.Fetcher {
	return pagination.FetcherFunc(func(ctx context.Context, endpoint string, query url.Values) (*pagination.RawResponse, error) {
		resp, err := c.Get(ctx, endpoint, query, opts...)
		if err != nil {
			return nil, err
		}
		return &pagination.RawResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       bytes.Clone(resp.Body),
		}, nil
	})
}
