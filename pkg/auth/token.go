package auth

import (
	"time"
)

// DefaultRefreshBuffer is how long before expiry a token is refreshed.
const DefaultRefreshBuffer = 5 * time.Minute

// Token is an OAuth2 access token with its refresh token.
type Token struct {
	// AccessToken is sent as the Bearer credential
	AccessToken string `json:"access_token"`

	// RefreshToken is exchanged for a new access token
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is usually "Bearer"
	TokenType string `json:"token_type,omitempty"`

	// Expiry is when the access token stops working. Zero means unknown.
	Expiry time.Time `json:"expiry,omitempty"`
}

// IsExpired returns true if the token has expired.
// Tokens without an expiry never expire locally.
func (t *Token) IsExpired() bool {
	return !t.Expiry.IsZero() && time.Now().After(t.Expiry)
}

// ExpiresWithin reports whether the token expires within d from now.
func (t *Token) ExpiresWithin(d time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Until(t.Expiry) <= d
}

// TTL returns the time until expiration.
// Returns 0 if already expired or unknown.
func (t *Token) TTL() time.Duration {
	if t.Expiry.IsZero() {
		return 0
	}
	ttl := time.Until(t.Expiry)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// CanRefresh reports whether a refresh token is available.
func (t *Token) CanRefresh() bool {
	return t.RefreshToken != ""
}

// Clone returns a copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
