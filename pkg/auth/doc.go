// Package auth holds the OAuth2 credential state of a Canvas client.
//
// The package provides:
//
// - Token with expiry helpers used for proactive refresh
// - TokenStore implementations (in-memory and Redis) so refreshed tokens
// survive process restarts
// - A Refresher exchanging refresh tokens at the Canvas token endpoint
// - A Manager coordinating refreshes so concurrent requests that race an
// expiring token trigger a single exchange
//
// # Basic Usage
//
//	store := auth.NewMemoryStore(&auth.Token{
//		AccessToken:  os.Getenv("CANVAS_ACCESS_TOKEN"),
//		RefreshToken: os.Getenv("CANVAS_REFRESH_TOKEN"),
//		Expiry:       time.Now().Add(time.Hour),
//	})
//
//	refresher := auth.NewRefresher(auth.Config{
//		ClientID:     "10000000000001",
//		ClientSecret: os.Getenv("CANVAS_CLIENT_SECRET"),
//		TokenURL:     "https://school.instructure.com/login/oauth2/token",
//	})
//
//	manager := auth.NewManager(store, refresher)
//	token, err := manager.Token(ctx) // refreshed if it expires within 5 minutes
//
// # Persisted Tokens
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := auth.NewRedisStore(redisClient, "canvas:oauth2:token:default")
//
// # Metrics
//
//   - canvas_oauth2_refreshes_total{result} - Token exchanges by result
//   - canvas_oauth2_refresh_shared_total - Callers that reused an in-flight refresh
//   - canvas_token_store_errors_total{operation} - Token store errors
package auth
