package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*Token, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return f(ctx, refreshToken)
}

// Config holds the OAuth2 client registration.
type Config struct {
	ClientID     string
	ClientSecret string

	// TokenURL is the token endpoint, usually <base>/login/oauth2/token.
	TokenURL string

	// HTTPClient is used for the exchange (default: http.DefaultClient)
	HTTPClient *http.Client
}

// Validate checks the registration.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	if c.TokenURL == "" {
		return errors.New("token URL is required")
	}
	return nil
}

// OAuth2Refresher performs the refresh_token grant.
type OAuth2Refresher struct {
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewRefresher creates a refresher for the given registration.
func NewRefresher(cfg Config) *OAuth2Refresher {
	return &OAuth2Refresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: cfg.HTTPClient,
	}
}

// Refresh posts grant_type=refresh_token to the token endpoint.
// The returned token keeps the old refresh token when the server omits one.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	tok, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	token := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}
