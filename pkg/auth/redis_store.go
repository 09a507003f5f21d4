package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key used when none is given.
const DefaultRedisKey = "canvas:oauth2:token:default"

// RedisStore keeps the token in Redis so that several processes sharing one
// OAuth2 grant see each other's refreshes.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a Redis-backed token store.
func NewRedisStore(redisClient *redis.Client, key string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		redis: redisClient,
		key:   key,
	}
}

// Key returns the Redis key holding the token.
func (s *RedisStore) Key() string {
	return s.key
}

// Load retrieves the token.
// Returns ErrNoToken if the key doesn't exist.
func (s *RedisStore) Load(ctx context.Context) (*Token, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoToken
		}
		StoreErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		StoreErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &token, nil
}

// Save stores the token without TTL. The refresh token outlives the access
// token, so the entry must not expire with it.
func (s *RedisStore) Save(ctx context.Context, token *Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	data, err := json.Marshal(token)
	if err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the token.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
