//go:build integration

package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_SharedRefresh(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	key := "canvas:oauth2:token:integration"

	seed := NewRedisStore(redisClient, key)
	if err := seed.Save(ctx, &Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var calls int32
	refresher := RefresherFunc(func(ctx context.Context, refreshToken string) (*Token, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
	})

	m := NewManager(NewRedisStore(redisClient, key), refresher)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Refresh(ctx, "stale"); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("refresh exchanges = %d, want 1", got)
	}

	// A second process sharing the key sees the refreshed token.
	other := NewRedisStore(redisClient, key)
	tok, err := other.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tok.AccessToken != "fresh" || tok.RefreshToken != "r" {
		t.Errorf("Load() = %+v, want fresh access token with the original refresh token", tok)
	}
}
