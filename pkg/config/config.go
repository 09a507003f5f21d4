// Package config loads client and proxy settings from a YAML file with
// environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/canvas-client/pkg/auth"
	"github.com/Sternrassler/canvas-client/pkg/client"
	"github.com/Sternrassler/canvas-client/pkg/logging"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvBaseURL      = "CANVAS_BASE_URL"
	EnvAPIKey       = "CANVAS_API_KEY"
	EnvAccountID    = "CANVAS_ACCOUNT_ID"
	EnvClientID     = "CANVAS_CLIENT_ID"
	EnvClientSecret = "CANVAS_CLIENT_SECRET"
	EnvAccessToken  = "CANVAS_ACCESS_TOKEN"
	EnvRefreshToken = "CANVAS_REFRESH_TOKEN"
	EnvTokenExpiry  = "CANVAS_TOKEN_EXPIRES_AT"
	EnvRedisURL     = "REDIS_URL"
	EnvLogLevel     = "LOG_LEVEL"
	EnvPort         = "PORT"
)

type Canvas struct {
	BaseURL   string        `yaml:"base_url"`
	AccountID string        `yaml:"account_id"`
	APIKey    string        `yaml:"api_key"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxPages  int           `yaml:"max_pages"`
}

type OAuth2 struct {
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	TokenURL      string        `yaml:"token_url"`
	AccessToken   string        `yaml:"access_token"`
	RefreshToken  string        `yaml:"refresh_token"`
	ExpiresAt     string        `yaml:"expires_at"`
	AutoRefresh   bool          `yaml:"auto_refresh"`
	RetryOn401    bool          `yaml:"retry_on_401"`
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`
}

// Expiry parses expires_at (RFC 3339). An empty value is the zero time.
func (o OAuth2) Expiry() (time.Time, error) {
	if o.ExpiresAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, o.ExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("oauth2.expires_at: %w", err)
	}
	return t, nil
}

// Enabled reports whether any OAuth2 setting is present.
func (o OAuth2) Enabled() bool {
	return o.ClientID != "" || o.AccessToken != "" || o.RefreshToken != ""
}

type Retry struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	Delay            time.Duration `yaml:"delay"`
	Multiplier       float64       `yaml:"multiplier"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           bool          `yaml:"jitter"`
	RetryOnStatus    []int         `yaml:"retry_on_status"`
	RetryOnRateLimit bool          `yaml:"retry_on_rate_limit"`
	RetryOnTimeout   bool          `yaml:"retry_on_timeout"`
}

type RateLimit struct {
	Enabled       bool          `yaml:"enabled"`
	BucketSize    float64       `yaml:"bucket_size"`
	MinRemaining  float64       `yaml:"min_remaining"`
	LeakRate      float64       `yaml:"leak_rate"`
	WaitOnLimit   bool          `yaml:"wait_on_limit"`
	MaxWaitTime   time.Duration `yaml:"max_wait_time"`
	EstimatedCost float64       `yaml:"estimated_cost"`
}

type Logging struct {
	Level          string   `yaml:"level"`
	Pretty         bool     `yaml:"pretty"`
	LogRequests    bool     `yaml:"log_requests"`
	LogResponses   bool     `yaml:"log_responses"`
	SanitizeFields []string `yaml:"sanitize_fields"`
	MaxBodyLength  int      `yaml:"max_body_length"`
}

type Redis struct {
	URL      string `yaml:"url"`
	TokenKey string `yaml:"token_key"`
}

type Server struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Root is the full configuration document.
type Root struct {
	Canvas    Canvas    `yaml:"canvas"`
	OAuth2    OAuth2    `yaml:"oauth2"`
	Retry     Retry     `yaml:"retry"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Logging   Logging   `yaml:"logging"`
	Redis     Redis     `yaml:"redis"`
	Server    Server    `yaml:"server"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Root {
	retry := client.DefaultRetryConfig()
	rl := client.DefaultRateLimitConfig()
	lg := client.DefaultLoggingConfig()
	oauth := client.DefaultOAuth2Config()

	return &Root{
		Canvas: Canvas{
			UserAgent: client.DefaultUserAgent,
			Timeout:   30 * time.Second,
			MaxPages:  client.DefaultMaxPages,
		},
		OAuth2: OAuth2{
			AutoRefresh:   oauth.AutoRefresh,
			RetryOn401:    oauth.RetryOn401,
			RefreshBuffer: oauth.RefreshBuffer,
		},
		Retry: Retry{
			MaxAttempts:      retry.MaxAttempts,
			Delay:            retry.Delay,
			Multiplier:       retry.Multiplier,
			MaxDelay:         retry.MaxDelay,
			Jitter:           retry.Jitter,
			RetryOnStatus:    retry.RetryOnStatus,
			RetryOnRateLimit: retry.RetryOnRateLimit,
			RetryOnTimeout:   retry.RetryOnTimeout,
		},
		RateLimit: RateLimit{
			Enabled:       rl.Enabled,
			BucketSize:    rl.BucketSize,
			MinRemaining:  rl.MinRemaining,
			LeakRate:      rl.LeakRate,
			WaitOnLimit:   rl.WaitOnLimit,
			MaxWaitTime:   rl.MaxWaitTime,
			EstimatedCost: rl.EstimatedCost,
		},
		Logging: Logging{
			Level:          string(logging.LevelInfo),
			LogRequests:    lg.Enabled,
			LogResponses:   lg.LogResponses,
			SanitizeFields: lg.SanitizeFields,
			MaxBodyLength:  lg.MaxBodyLength,
		},
		Redis: Redis{
			TokenKey: auth.DefaultRedisKey,
		},
		Server: Server{
			Addr:         ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Root, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values with the environment variables that are set.
func (c *Root) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	set(EnvBaseURL, &c.Canvas.BaseURL)
	set(EnvAPIKey, &c.Canvas.APIKey)
	set(EnvAccountID, &c.Canvas.AccountID)
	set(EnvClientID, &c.OAuth2.ClientID)
	set(EnvClientSecret, &c.OAuth2.ClientSecret)
	set(EnvAccessToken, &c.OAuth2.AccessToken)
	set(EnvRefreshToken, &c.OAuth2.RefreshToken)
	set(EnvTokenExpiry, &c.OAuth2.ExpiresAt)
	set(EnvRedisURL, &c.Redis.URL)
	set(EnvLogLevel, &c.Logging.Level)

	if port, ok := lookup(EnvPort); ok && port != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
}

// Validate checks the settings the client cannot default.
func (c *Root) Validate() error {
	if c.Canvas.BaseURL == "" {
		return fmt.Errorf("canvas.base_url is required (or set %s)", EnvBaseURL)
	}
	if c.Canvas.APIKey == "" && !c.OAuth2.Enabled() {
		return fmt.Errorf("canvas.api_key or oauth2 settings are required")
	}
	if c.OAuth2.Enabled() && c.OAuth2.AccessToken == "" && c.Redis.URL == "" {
		return fmt.Errorf("oauth2.access_token is required without a redis token store")
	}
	if _, err := c.OAuth2.Expiry(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1 (got %d)", c.Retry.MaxAttempts)
	}
	if !logging.ValidLevel(logging.LogLevel(c.Logging.Level)) {
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	return nil
}

// LoggerConfig returns the logging setup for the configured level.
func (c *Root) LoggerConfig(service string) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Logging.Level))
	cfg.Pretty = c.Logging.Pretty
	cfg.Service = service
	return cfg
}

// ClientConfig converts the document into a client configuration. store
// persists OAuth2 tokens and may be nil.
func (c *Root) ClientConfig(store auth.TokenStore) client.Config {
	cfg := client.DefaultConfig(c.Canvas.BaseURL, c.Canvas.APIKey)
	cfg.AccountID = c.Canvas.AccountID
	cfg.UserAgent = c.Canvas.UserAgent
	cfg.Timeout = c.Canvas.Timeout
	cfg.MaxPages = c.Canvas.MaxPages

	cfg.Retry = client.RetryConfig{
		MaxAttempts:      c.Retry.MaxAttempts,
		Delay:            c.Retry.Delay,
		Multiplier:       c.Retry.Multiplier,
		MaxDelay:         c.Retry.MaxDelay,
		Jitter:           c.Retry.Jitter,
		RetryOnStatus:    append([]int(nil), c.Retry.RetryOnStatus...),
		RetryOnRateLimit: c.Retry.RetryOnRateLimit,
		RetryOnTimeout:   c.Retry.RetryOnTimeout,
	}
	cfg.RateLimit = client.RateLimitConfig{
		Enabled:       c.RateLimit.Enabled,
		BucketSize:    c.RateLimit.BucketSize,
		MinRemaining:  c.RateLimit.MinRemaining,
		LeakRate:      c.RateLimit.LeakRate,
		WaitOnLimit:   c.RateLimit.WaitOnLimit,
		MaxWaitTime:   c.RateLimit.MaxWaitTime,
		EstimatedCost: c.RateLimit.EstimatedCost,
	}
	cfg.Logging = client.LoggingConfig{
		Enabled:        c.Logging.LogRequests,
		LogResponses:   c.Logging.LogResponses,
		SanitizeFields: append([]string(nil), c.Logging.SanitizeFields...),
		MaxBodyLength:  c.Logging.MaxBodyLength,
	}

	if c.OAuth2.Enabled() {
		expiry, _ := c.OAuth2.Expiry()
		cfg.APIKey = ""
		cfg.OAuth2 = &client.OAuth2Config{
			ClientID:      c.OAuth2.ClientID,
			ClientSecret:  c.OAuth2.ClientSecret,
			TokenURL:      c.OAuth2.TokenURL,
			AccessToken:   c.OAuth2.AccessToken,
			RefreshToken:  c.OAuth2.RefreshToken,
			ExpiresAt:     expiry,
			Store:         store,
			AutoRefresh:   c.OAuth2.AutoRefresh,
			RetryOn401:    c.OAuth2.RetryOn401,
			RefreshBuffer: c.OAuth2.RefreshBuffer,
		}
	}
	return cfg
}

// OpenTokenStore connects to Redis when redis.url is set and seeds the
// store from the configured tokens if it holds none yet. It returns a nil
// store and a nil client without a Redis URL.
func (c *Root) OpenTokenStore(ctx context.Context) (auth.TokenStore, *redis.Client, error) {
	if c.Redis.URL == "" || !c.OAuth2.Enabled() {
		return nil, nil, nil
	}

	opts, err := redisOptions(c.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	store := auth.NewRedisStore(rdb, c.Redis.TokenKey)
	if err := c.SeedTokenStore(ctx, store); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return store, rdb, nil
}

// SeedTokenStore saves the configured token into store when it holds none.
// A stored token is left untouched.
func (c *Root) SeedTokenStore(ctx context.Context, store auth.TokenStore) error {
	_, err := store.Load(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, auth.ErrNoToken) {
		return fmt.Errorf("load token: %w", err)
	}
	if c.OAuth2.AccessToken == "" {
		return fmt.Errorf("token store is empty and no access token is configured: %w", err)
	}

	expiry, err := c.OAuth2.Expiry()
	if err != nil {
		return err
	}
	seed := &auth.Token{
		AccessToken:  c.OAuth2.AccessToken,
		RefreshToken: c.OAuth2.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}
	if err := store.Save(ctx, seed); err != nil {
		return fmt.Errorf("seed token store: %w", err)
	}
	return nil
}

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}
