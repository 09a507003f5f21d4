package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/canvas-client/internal/testutil"
)

func newOAuth2Client(t *testing.T, mock *testutil.MockCanvas, mutate func(*OAuth2Config)) *Client {
	t.Helper()

	oauth := DefaultOAuth2Config()
	oauth.ClientID = "10000000000001"
	oauth.ClientSecret = "client-secret"
	oauth.AccessToken = "expired-token"
	oauth.RefreshToken = "refresh-token"
	if mutate != nil {
		mutate(&oauth)
	}

	cfg := DefaultConfig(mock.APIURL(), "")
	cfg.OAuth2 = &oauth
	cfg.HTTPClient = mock.Client()
	cfg.Retry.Delay = time.Millisecond
	cfg.Retry.Jitter = false

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestOAuth2_RefreshesOn401(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()
	mock.SetValidToken("not-yet-issued")

	c := newOAuth2Client(t, mock, nil)

	resp, err := c.Get(context.Background(), "/courses", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := mock.GetTokenRequestCount(); got != 1 {
		t.Errorf("token requests = %d, want 1", got)
	}
	if got := mock.GetPathCount("/api/v1/courses"); got != 2 {
		t.Errorf("API requests = %d, want 2 (rejected + resent)", got)
	}
	if got := mock.GetLastRequestHeader().Get("Authorization"); got != "Bearer access-1" {
		t.Errorf("Authorization = %q, want refreshed token", got)
	}

	tok, err := c.Tokens().Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-token" {
		t.Errorf("stored token = %+v, want access-1 with the original refresh token", tok)
	}

	// The new token is reused without another exchange.
	if _, err := c.Get(context.Background(), "/courses", nil); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if got := mock.GetTokenRequestCount(); got != 1 {
		t.Errorf("token requests after second call = %d, want 1", got)
	}
}

func TestOAuth2_Second401IsReturned(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()
	mock.SetResponse("/api/v1/courses", testutil.NewUnauthorizedResponse())

	c := newOAuth2Client(t, mock, nil)

	resp, err := c.Get(context.Background(), "/courses", nil)

	var cErr *Error
	if !errors.As(err, &cErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if cErr.StatusCode != http.StatusUnauthorized || cErr.ErrorClass != ErrorClassAuth {
		t.Errorf("Error = %+v, want auth 401", cErr)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want the 401 response", resp)
	}
	if got := mock.GetTokenRequestCount(); got != 1 {
		t.Errorf("token requests = %d, want exactly 1", got)
	}
	if got := mock.GetPathCount("/api/v1/courses"); got != 2 {
		t.Errorf("API requests = %d, want 2", got)
	}
}

func TestOAuth2_NoRefreshToken(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()
	mock.SetValidToken("not-yet-issued")

	c := newOAuth2Client(t, mock, func(o *OAuth2Config) { o.RefreshToken = "" })

	resp, err := c.Get(context.Background(), "/courses", nil)
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v (err %v), want the original 401", resp, err)
	}
	if errors.Is(err, ErrTokenRefresh) {
		t.Error("a missing refresh token should surface the 401, not a refresh failure")
	}
	if got := mock.GetTokenRequestCount(); got != 0 {
		t.Errorf("token requests = %d, want 0", got)
	}
}

func TestOAuth2_RetryOn401Disabled(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()
	mock.SetValidToken("not-yet-issued")

	c := newOAuth2Client(t, mock, func(o *OAuth2Config) { o.RetryOn401 = false })

	resp, _ := c.Get(context.Background(), "/courses", nil)
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
	if got := mock.GetPathCount("/api/v1/courses"); got != 1 {
		t.Errorf("API requests = %d, want 1", got)
	}
}

func TestOAuth2_ProactiveRefresh(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()

	c := newOAuth2Client(t, mock, func(o *OAuth2Config) {
		o.AccessToken = "expiring-token"
		o.ExpiresAt = time.Now().Add(time.Minute)
	})

	if _, err := c.Get(context.Background(), "/courses", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := mock.GetTokenRequestCount(); got != 1 {
		t.Errorf("token requests = %d, want 1", got)
	}
	if got := mock.GetPathCount("/api/v1/courses"); got != 1 {
		t.Errorf("API requests = %d, want 1 (refreshed before sending)", got)
	}
	if got := mock.GetLastRequestHeader().Get("Authorization"); got != "Bearer access-1" {
		t.Errorf("Authorization = %q, want Bearer access-1", got)
	}
}

func TestOAuth2_AutoRefreshDisabled(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()

	c := newOAuth2Client(t, mock, func(o *OAuth2Config) {
		o.AccessToken = "expiring-token"
		o.ExpiresAt = time.Now().Add(time.Minute)
		o.AutoRefresh = false
	})

	if _, err := c.Get(context.Background(), "/courses", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := mock.GetTokenRequestCount(); got != 0 {
		t.Errorf("token requests = %d, want 0", got)
	}
	if got := mock.GetLastRequestHeader().Get("Authorization"); got != "Bearer expiring-token" {
		t.Errorf("Authorization = %q, want the stored token", got)
	}
}

func TestOAuth2_RefreshFailure(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()
	mock.SetValidToken("not-yet-issued")

	c := newOAuth2Client(t, mock, func(o *OAuth2Config) {
		o.TokenURL = mock.URL() + "/login/oauth2/broken"
	})

	_, err := c.Get(context.Background(), "/courses", nil)
	if !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("error = %v, want ErrTokenRefresh", err)
	}

	var cErr *Error
	if !errors.As(err, &cErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if cErr.ErrorClass != ErrorClassAuth || cErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Error = %+v, want auth 401", cErr)
	}
	if got := mock.GetPathCount("/api/v1/courses"); got != 1 {
		t.Errorf("API requests = %d, want 1 (auth failures are not retried)", got)
	}
}

func TestOAuth2_ConcurrentUnauthorizedSingleRefresh(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()
	mock.SetValidToken("not-yet-issued")

	c := newOAuth2Client(t, mock, nil)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "/courses", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Get() error = %v", err)
	}
	if got := mock.GetTokenRequestCount(); got != 1 {
		t.Errorf("token requests = %d, want 1 shared refresh", got)
	}
}

func TestNew_OAuth2Validation(t *testing.T) {
	tests := []struct {
		name   string
		oauth  OAuth2Config
		errMsg string
	}{
		{
			name:   "no token and no store",
			oauth:  OAuth2Config{ClientID: "id", ClientSecret: "secret"},
			errMsg: "oauth2 access token or token store is required",
		},
		{
			name:   "client id without secret",
			oauth:  OAuth2Config{ClientID: "id", AccessToken: "token"},
			errMsg: "oauth2:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("https://school.instructure.com/api/v1", "")
			oauth := tt.oauth
			cfg.OAuth2 = &oauth

			_, err := New(cfg)
			if err == nil {
				t.Fatal("Expected error but got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestOAuth2_TokenOnlyForAPIHost(t *testing.T) {
	mock := testutil.NewMockCanvas()
	defer mock.Close()

	var uploadAuth []string
	uploads := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploadAuth = append(uploadAuth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer uploads.Close()

	c := newOAuth2Client(t, mock, nil)
	_, err := c.Get(context.Background(), uploads.URL+"/files/1", nil)

	var cErr *Error
	if !errors.As(err, &cErr) || cErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("error = %v, want the foreign 401 passed through", err)
	}
	if len(uploadAuth) != 1 || uploadAuth[0] != "" {
		t.Errorf("Authorization sent to upload host = %q, want none", uploadAuth)
	}
	if got := mock.GetTokenRequestCount(); got != 0 {
		t.Errorf("token requests = %d, want 0 for a foreign 401", got)
	}
}
