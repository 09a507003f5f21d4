package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRefresher issues numbered tokens and counts exchanges.
func countingRefresher(calls *int32, delay time.Duration) RefresherFunc {
	return func(ctx context.Context, refreshToken string) (*Token, error) {
		n := atomic.AddInt32(calls, 1)
		time.Sleep(delay)
		return &Token{
			AccessToken: "access-" + string(rune('0'+n)),
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}
}

func TestManager_TokenFresh(t *testing.T) {
	var calls int32
	store := NewMemoryStore(&Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})
	m := NewManager(store, countingRefresher(&calls, 0))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestManager_TokenProactiveRefresh(t *testing.T) {
	var calls int32
	store := NewMemoryStore(&Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Minute)})
	m := NewManager(store, countingRefresher(&calls, 0))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "r", tok.RefreshToken, "refresh token carried over")

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
}

func TestManager_TokenWithoutRefreshToken(t *testing.T) {
	var calls int32
	store := NewMemoryStore(&Token{AccessToken: "a", Expiry: time.Now().Add(time.Minute)})
	m := NewManager(store, countingRefresher(&calls, 0))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestManager_RefreshSingleFlight(t *testing.T) {
	var calls int32
	store := NewMemoryStore(&Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})
	m := NewManager(store, countingRefresher(&calls, 50*time.Millisecond))

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Refresh(context.Background(), "stale")
			if err != nil {
				t.Errorf("Refresh() error = %v", err)
				return
			}
			results[i] = tok.AccessToken
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one exchange")
	for _, got := range results {
		assert.Equal(t, "access-1", got)
	}
}

func TestManager_RefreshSurvivesCancelledCaller(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	refresher := RefresherFunc(func(ctx context.Context, refreshToken string) (*Token, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Token{AccessToken: "access-1", Expiry: time.Now().Add(time.Hour)}, nil
	})
	store := NewMemoryStore(&Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)})
	m := NewManager(store, refresher)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctxA, "a")
		errA <- err
	}()
	<-started

	type result struct {
		tok *Token
		err error
	}
	resB := make(chan result, 1)
	go func() {
		tok, err := m.Refresh(context.Background(), "a")
		resB <- result{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "access-1", b.tok.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
}

func TestManager_RefreshAlreadyDone(t *testing.T) {
	var calls int32
	store := NewMemoryStore(&Token{AccessToken: "newer", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})
	m := NewManager(store, countingRefresher(&calls, 0))

	tok, err := m.Refresh(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, "newer", tok.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestManager_RefreshFailure(t *testing.T) {
	store := NewMemoryStore(&Token{AccessToken: "a", RefreshToken: "r"})
	m := NewManager(store, RefresherFunc(func(ctx context.Context, refreshToken string) (*Token, error) {
		return nil, errors.New("invalid_grant")
	}))

	_, err := m.Refresh(context.Background(), "a")
	assert.ErrorIs(t, err, ErrRefreshFailed)

	stored, _ := store.Load(context.Background())
	assert.Equal(t, "a", stored.AccessToken, "failed refresh leaves the stored token alone")
}

func TestManager_RefreshWithoutRefreshToken(t *testing.T) {
	var calls int32
	m := NewManager(NewMemoryStore(&Token{AccessToken: "a"}), countingRefresher(&calls, 0))

	_, err := m.Refresh(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestManager_AccessToken(t *testing.T) {
	m := NewManager(NewMemoryStore(nil), nil)
	assert.Equal(t, "", m.AccessToken(context.Background()))

	m = NewManager(NewMemoryStore(&Token{AccessToken: "a"}), nil)
	assert.Equal(t, "a", m.AccessToken(context.Background()))
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil store")
		}
	}()
	NewManager(nil, nil)
}
