package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoRefreshToken indicates a refresh is needed but no refresh token is available
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed indicates the token endpoint rejected the exchange
	ErrRefreshFailed = errors.New("token refresh failed")
)

// RefreshTimeout bounds one token exchange. The exchange runs detached from
// the caller that started it, so callers sharing it are not failed by that
// caller's cancellation.
const RefreshTimeout = 30 * time.Second

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRefreshBuffer sets how early Token refreshes an expiring token.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.buffer = d
		}
	}
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager hands out access tokens and refreshes them. Concurrent refreshes
// collapse into one exchange; callers arriving after it completed reuse the
// new token instead of refreshing again.
type Manager struct {
	store     TokenStore
	refresher Refresher
	buffer    time.Duration
	group     singleflight.Group
	logger    zerolog.Logger
}

// NewManager creates a token manager.
func NewManager(store TokenStore, refresher Refresher, opts ...ManagerOption) *Manager {
	if store == nil {
		panic("token store cannot be nil")
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		buffer:    DefaultRefreshBuffer,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the stored token without refreshing it.
func (m *Manager) Current(ctx context.Context) (*Token, error) {
	return m.store.Load(ctx)
}

// AccessToken returns the stored access token, or "" when none is stored.
func (m *Manager) AccessToken(ctx context.Context) string {
	tok, err := m.store.Load(ctx)
	if err != nil {
		return ""
	}
	return tok.AccessToken
}

// Token returns a token that is valid for at least the refresh buffer,
// refreshing it first when needed. A token that cannot be refreshed is
// returned as is.
func (m *Manager) Token(ctx context.Context) (*Token, error) {
	tok, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !tok.ExpiresWithin(m.buffer) || !tok.CanRefresh() || m.refresher == nil {
		return tok, nil
	}

	m.logger.Debug().
		Dur("ttl", tok.TTL()).
		Msg("Access token expiring soon, refreshing")
	return m.Refresh(ctx, tok.AccessToken)
}

// Refresh replaces the token that stale identifies. When the stored token
// already differs from stale and is not about to expire, another caller
// refreshed it and it is returned without a new exchange. Each caller stops
// waiting when its own ctx is done.
func (m *Manager) Refresh(ctx context.Context, stale string) (*Token, error) {
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return m.refresh(rctx, stale)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			RefreshShared.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token).Clone(), nil
	}
}

func (m *Manager) refresh(ctx context.Context, stale string) (*Token, error) {
	current, err := m.store.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoToken) {
		return nil, err
	}
	if current != nil && current.AccessToken != stale && !current.ExpiresWithin(m.buffer) {
		RefreshShared.Inc()
		return current, nil
	}
	if current == nil || !current.CanRefresh() || m.refresher == nil {
		return nil, ErrNoRefreshToken
	}

	fresh, err := m.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		RefreshesTotal.WithLabelValues("failure").Inc()
		m.logger.Error().Err(err).Msg("OAuth2 token refresh failed")
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}

	if err := m.store.Save(ctx, fresh); err != nil {
		RefreshesTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("save refreshed token: %w", err)
	}

	RefreshesTotal.WithLabelValues("success").Inc()
	m.logger.Info().
		Time("expiry", fresh.Expiry).
		Msg("OAuth2 access token refreshed")
	return fresh, nil
}
