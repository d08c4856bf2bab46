package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/token"
)

// fakeRefresher scripts provider responses and counts calls.
type fakeRefresher struct {
	mu    sync.Mutex
	calls int32
	resp  func(call int, tok *token.Token) (*token.Token, error)
}

func (f *fakeRefresher) Refresh(_ context.Context, tok *token.Token) (*token.Token, error) {
	n := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	resp := f.resp
	f.mu.Unlock()
	return resp(int(n), tok)
}

func (f *fakeRefresher) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func newTestCoordinator(t *testing.T, f *fakeRefresher) (*Coordinator, *token.MemoryStore, token.Key) {
	t.Helper()
	store := token.NewMemoryStore()
	reg := provider.NewRegistry()
	reg.Register(&provider.Provider{Name: "acme", Refresher: f})
	c := NewCoordinator(store, store, reg)
	// No real sleeping between retries in tests.
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c, store, token.NewKey("acme", "")
}

func TestRefreshMergesAndPersists(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		return &token.Token{AccessToken: "new-at", Expiry: time.Now().Unix() + 3600}, nil
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "old-at",
		Expiry:       time.Now().Unix() - 10,
		RefreshToken: "rt",
		TokenType:    "Bearer",
	})

	got, err := c.Refresh(ctx, key)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got.AccessToken != "new-at" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
	if got.RefreshToken != "" {
		t.Error("refresh result carries a refresh secret")
	}
	if got.TokenType != "Bearer" {
		t.Error("merge dropped token type from stored token")
	}

	stored, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.RefreshToken != "rt" {
		t.Errorf("stored RefreshToken = %q, want preserved secret", stored.RefreshToken)
	}
	if stored.AccessToken != "new-at" {
		t.Errorf("stored AccessToken = %q", stored.AccessToken)
	}
}

func TestRefreshWithoutSecretFails(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{AccessToken: "at"})

	_, err := c.Refresh(ctx, key)
	if !errors.Is(err, ErrNoRefreshSecret) {
		t.Fatalf("error = %v, want ErrNoRefreshSecret", err)
	}
}

func TestRefreshCooldownServesValidToken(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		return &token.Token{AccessToken: "new-at", Expiry: time.Now().Unix() + 3600}, nil
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "old-at",
		Expiry:       time.Now().Unix() - 10,
		RefreshToken: "rt",
	})

	if _, err := c.Refresh(ctx, key); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	got, err := c.Refresh(ctx, key)
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if got.AccessToken != "new-at" {
		t.Errorf("AccessToken = %q, want the still-valid stored token", got.AccessToken)
	}
	if f.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", f.callCount())
	}
}

func TestRefreshCooldownRejectsExpiredToken(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		// Provider hands back an already expired token; the second refresh
		// lands inside the cooldown with nothing valid to serve.
		return &token.Token{AccessToken: "new-at", Expiry: time.Now().Unix() - 5}, nil
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "old-at",
		Expiry:       base.Unix() - 10,
		RefreshToken: "rt",
	})

	if _, err := c.Refresh(ctx, key); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	// 10 seconds into the 30 second cooldown.
	c.now = func() time.Time { return base.Add(10 * time.Second) }

	_, err := c.Refresh(ctx, key)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("error = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter < 19*time.Second || rl.RetryAfter > 20*time.Second {
		t.Errorf("RetryAfter = %s, want about 20s", rl.RetryAfter)
	}
	if f.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", f.callCount())
	}
}

func TestRefreshAuthErrorClearsStoredSecret(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		return nil, &provider.AuthError{Code: "invalid_grant"}
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "at",
		Expiry:       time.Now().Unix() - 10,
		RefreshToken: "revoked-rt",
	})

	_, err := c.Refresh(ctx, key)
	if !provider.IsAuthError(err) {
		t.Fatalf("error = %v, want auth error", err)
	}
	if f.callCount() != 1 {
		t.Errorf("provider called %d times, want 1 (no retries on auth error)", f.callCount())
	}

	stored, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.RefreshToken != "" {
		t.Error("revoked refresh secret not cleared from store")
	}
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	f := &fakeRefresher{resp: func(call int, _ *token.Token) (*token.Token, error) {
		if call < 3 {
			return nil, errors.New("connection reset")
		}
		return &token.Token{AccessToken: "new-at", Expiry: time.Now().Unix() + 3600}, nil
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "at",
		Expiry:       time.Now().Unix() - 10,
		RefreshToken: "rt",
	})

	got, err := c.Refresh(ctx, key)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got.AccessToken != "new-at" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
	if f.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", f.callCount())
	}
}

func TestRefreshExhaustsRetries(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		return nil, errors.New("connection reset")
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "at",
		Expiry:       time.Now().Unix() - 10,
		RefreshToken: "rt",
	})

	_, err := c.Refresh(ctx, key)
	if err == nil {
		t.Fatal("Refresh succeeded despite persistent failures")
	}
	if f.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", f.callCount())
	}
}

func TestConcurrentRefreshSingleProviderCall(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		time.Sleep(50 * time.Millisecond)
		return &token.Token{AccessToken: "new-at", Expiry: time.Now().Unix() + 3600}, nil
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "at",
		Expiry:       time.Now().Unix() - 10,
		RefreshToken: "rt",
	})

	var wg sync.WaitGroup
	results := make([]*token.Token, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(ctx, key)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("refresh %d failed: %v", i, errs[i])
		}
		if results[i].AccessToken != "new-at" {
			t.Errorf("refresh %d got %q", i, results[i].AccessToken)
		}
	}
	if f.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", f.callCount())
	}
}

func TestRemoveWinsOverRefresh(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) {
		return &token.Token{AccessToken: "new-at", Expiry: time.Now().Unix() + 3600}, nil
	}}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "at",
		Expiry:       time.Now().Unix() - 10,
		RefreshToken: "rt",
	})

	if err := c.Remove(ctx, key); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, token.ErrNotFound) {
		t.Fatal("credential still present after removal")
	}

	// A refresh arriving after the removal finds nothing to refresh.
	if _, err := c.Refresh(ctx, key); !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if f.callCount() != 0 {
		t.Errorf("provider called %d times after removal, want 0", f.callCount())
	}
}

func TestRemoveMissingCredentialSucceeds(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) { return nil, nil }}
	c, _, key := newTestCoordinator(t, f)
	if err := c.Remove(context.Background(), key); err != nil {
		t.Fatalf("Remove of absent credential failed: %v", err)
	}
}

func TestSaveMergesWithStored(t *testing.T) {
	f := &fakeRefresher{resp: func(_ int, _ *token.Token) (*token.Token, error) { return nil, nil }}
	c, store, key := newTestCoordinator(t, f)
	ctx := context.Background()

	_ = store.Save(ctx, key, &token.Token{
		AccessToken:  "old-at",
		RefreshToken: "rt",
	})

	// An incoming token without a secret must not erase the stored one.
	if err := c.Save(ctx, key, &token.Token{AccessToken: "new-at", Expiry: 500}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stored, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.AccessToken != "new-at" || stored.Expiry != 500 {
		t.Errorf("stored = %+v", stored)
	}
	if stored.RefreshToken != "rt" {
		t.Errorf("stored RefreshToken = %q, want preserved", stored.RefreshToken)
	}
}
