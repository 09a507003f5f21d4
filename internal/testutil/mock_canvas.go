// Package testutil provides testing utilities for the Canvas client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenPath is the OAuth2 token endpoint served by MockCanvas.
const TokenPath = "/login/oauth2/token"

// MockCanvasResponse defines the behavior for a mock Canvas endpoint response.
type MockCanvasResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCanvas is a configurable mock Canvas server for testing.
type MockCanvas struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	validToken   string
	tokenCounter int
	tokenTTL     time.Duration

	// Tracking
	RequestCount      int
	TokenRequestCount int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockCanvas creates a new mock Canvas server.
func NewMockCanvas() *MockCanvas {
	mock := &MockCanvas{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
		tokenTTL:   time.Hour,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == TokenPath {
			mock.tokenHandler(w, r)
			return
		}

		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		valid := mock.validToken
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if valid != "" && r.Header.Get("Authorization") != "Bearer "+valid {
			writeResponse(w, NewUnauthorizedResponse())
			return
		}

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCanvas) URL() string {
	return m.server.URL
}

// APIURL returns the API root, <URL>/api/v1.
func (m *MockCanvas) APIURL() string {
	return m.server.URL + "/api/v1"
}

// Client returns an HTTP client for the server.
func (m *MockCanvas) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockCanvas) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCanvas) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.TokenRequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCanvas) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockCanvas) SetResponse(path string, resp MockCanvasResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence answers successive requests to path with responses in order.
// The last response repeats once the sequence is used up.
func (m *MockCanvas) SetSequence(path string, responses ...MockCanvasResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetCollection serves items (JSON values) under path, paginated by the
// page and per_page query parameters with Canvas Link headers.
func (m *MockCanvas) SetCollection(path string, items []string, defaultPerPage int) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		perPage := queryInt(r, "per_page", defaultPerPage)
		if perPage < 1 {
			perPage = 1
		}
		total := (len(items) + perPage - 1) / perPage
		if total == 0 {
			total = 1
		}
		page := queryInt(r, "page", 1)

		start := (page - 1) * perPage
		if start > len(items) {
			start = len(items)
		}
		end := start + perPage
		if end > len(items) {
			end = len(items)
		}

		link := func(p int, rel string) string {
			return fmt.Sprintf(`<%s%s?page=%d&per_page=%d>; rel="%s"`, m.server.URL, path, p, perPage, rel)
		}
		links := []string{link(page, "current")}
		if page < total {
			links = append(links, link(page+1, "next"))
		}
		if page > 1 {
			links = append(links, link(page-1, "prev"))
		}
		links = append(links, link(1, "first"), link(total, "last"))

		w.Header().Set("Link", strings.Join(links, ","))
		writeResponse(w, NewHealthyResponse("["+strings.Join(items[start:end], ",")+"]"))
	})
}

// SetValidToken makes every API request without "Bearer <token>" fail with 401.
// An empty token disables the check.
func (m *MockCanvas) SetValidToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validToken = token
}

// SetTokenTTL sets expires_in of issued tokens.
func (m *MockCanvas) SetTokenTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenTTL = ttl
}

// GetRequestCount returns the number of API requests made to the server.
func (m *MockCanvas) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests to path.
func (m *MockCanvas) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetTokenRequestCount returns the number of token exchanges.
func (m *MockCanvas) GetTokenRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TokenRequestCount
}

// GetLastRequestHeader returns the headers of the last API request.
func (m *MockCanvas) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader.Clone()
}

// tokenHandler issues access-N tokens for refresh_token grants and makes
// the newest one valid.
func (m *MockCanvas) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	m.mu.Lock()
	m.TokenRequestCount++
	m.tokenCounter++
	token := fmt.Sprintf("access-%d", m.tokenCounter)
	if m.validToken != "" {
		m.validToken = token
	}
	ttl := m.tokenTTL
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
	})
}

// defaultHandler provides default Canvas-like responses.
func (m *MockCanvas) defaultHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, NewHealthyResponse(`{"status": "ok"}`))
}

func writeResponse(w http.ResponseWriter, resp MockCanvasResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}
	return fallback
}

// NewHealthyResponse creates a standard 200 OK response with Canvas rate limit headers.
func NewHealthyResponse(data string) MockCanvasResponse {
	return MockCanvasResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"X-Rate-Limit-Remaining": "2990.5",
			"X-Request-Cost":         "1.5",
			"Content-Type":           "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitedResponse creates Canvas' 403 rate limit rejection.
func NewRateLimitedResponse() MockCanvasResponse {
	return MockCanvasResponse{
		StatusCode: http.StatusForbidden,
		Body:       "403 Forbidden (Rate Limit Exceeded)",
		Headers: map[string]string{
			"X-Rate-Limit-Remaining": "0",
			"X-Request-Cost":         "0",
			"Content-Type":           "text/plain; charset=utf-8",
		},
	}
}

// NewForbiddenResponse creates a 403 that is not a rate limit rejection.
func NewForbiddenResponse() MockCanvasResponse {
	return MockCanvasResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"status":"unauthorized","errors":[{"message":"user not authorized to perform that action"}]}`,
		Headers: map[string]string{
			"X-Rate-Limit-Remaining": "2900",
			"X-Request-Cost":         "1",
			"Content-Type":           "application/json; charset=utf-8",
		},
	}
}

// NewUnauthorizedResponse creates a 401 for an invalid or expired token.
func NewUnauthorizedResponse() MockCanvasResponse {
	return MockCanvasResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errors":[{"message":"Invalid access token."}]}`,
		Headers: map[string]string{
			"WWW-Authenticate": `Bearer realm="canvas-lms"`,
			"Content-Type":     "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockCanvasResponse {
	return MockCanvasResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":[{"message":"An error occurred."}]}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServiceUnavailableResponse creates a 503 response.
func NewServiceUnavailableResponse() MockCanvasResponse {
	return MockCanvasResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"errors":[{"message":"Service Unavailable"}]}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
