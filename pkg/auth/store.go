package auth

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoToken indicates the store holds no token
	ErrNoToken = errors.New("no token stored")

	// ErrInvalidToken indicates a stored token is corrupted
	ErrInvalidToken = errors.New("invalid stored token")
)

// TokenStore persists the current token.
type TokenStore interface {
	// Load returns the current token or ErrNoToken.
	Load(ctx context.Context) (*Token, error)

	// Save replaces the current token.
	Save(ctx context.Context, token *Token) error
}

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token *Token
}

// NewMemoryStore creates a store seeded with initial, which may be nil.
func NewMemoryStore(initial *Token) *MemoryStore {
	return &MemoryStore{token: initial.Clone()}
}

// Load returns a copy of the stored token.
func (s *MemoryStore) Load(_ context.Context) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, ErrNoToken
	}
	return s.token.Clone(), nil
}

// Save stores a copy of token.
func (s *MemoryStore) Save(_ context.Context, token *Token) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token.Clone()
	return nil
}
