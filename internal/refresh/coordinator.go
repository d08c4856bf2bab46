// Package refresh coordinates OAuth token refresh across processes:
// per-key advisory locking with a double-check, bounded retries,
// refresh-secret revocation handling, per-key rate limiting, and the
// proactive renewal scheduler that refreshes tokens before they expire.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/majorcontext/credgate/internal/log"
	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/token"
)

// ErrNoRefreshSecret is returned when a stored token cannot be refreshed
// because it carries no refresh secret. The caller must re-authenticate.
var ErrNoRefreshSecret = errors.New("credential has no refresh secret")

// RateLimitedError reports that a refresh for the key ran too recently and
// the stored token is no longer valid, so the caller must wait out the
// cooldown instead of hammering the provider.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("refresh rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

const (
	// refreshCooldown is the minimum spacing between provider refresh
	// calls for one key.
	refreshCooldown = 30 * time.Second

	// lockWait bounds how long a refresh waits for the cross-process lock.
	lockWait = 30 * time.Second
)

// retryDelays are the backoff steps between refresh attempts against the
// provider. Two retries: transient failures get three tries total.
var retryDelays = []time.Duration{time.Second, 3 * time.Second}

// Coordinator serializes refreshes per credential key. Concurrent
// requests for one key funnel through the store's advisory lock and all
// observe the one result; requests for different keys proceed
// independently.
type Coordinator struct {
	store     token.Store
	locks     token.Locker
	providers *provider.Registry

	mu          sync.Mutex
	lastAttempt map[token.Key]time.Time

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a refresh coordinator over the given store,
// locker, and provider registry.
func NewCoordinator(store token.Store, locks token.Locker, providers *provider.Registry) *Coordinator {
	return &Coordinator{
		store:       store,
		locks:       locks,
		providers:   providers,
		lastAttempt: make(map[token.Key]time.Time),
		now:         time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// cooldownRemaining returns how much of the per-key cooldown is left, or
// zero when a refresh may proceed.
func (c *Coordinator) cooldownRemaining(key token.Key) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastAttempt[key]
	if !ok {
		return 0
	}
	remaining := refreshCooldown - c.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Coordinator) recordAttempt(key token.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAttempt[key] = c.now()
}

// Refresh runs the full refresh algorithm for key and returns the
// sanitized result. It never returns a token carrying a refresh secret.
func (c *Coordinator) Refresh(ctx context.Context, key token.Key) (*token.Token, error) {
	cur, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur.RefreshToken == "" {
		return nil, fmt.Errorf("%s: %w", key, ErrNoRefreshSecret)
	}

	// Cooldown check before taking the lock: within the window, a still
	// valid token is simply served, and an expired one is refused with
	// the remaining wait so clients cannot tight-loop the provider.
	if remaining := c.cooldownRemaining(key); remaining > 0 {
		if cur.Valid(c.now()) {
			return cur.Sanitized(), nil
		}
		return nil, &RateLimitedError{RetryAfter: remaining}
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	unlock, err := c.locks.Acquire(lockCtx, key)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("acquiring refresh lock: %w", err)
	}
	defer unlock()

	// Double-check under the lock: another process may have refreshed
	// (or removed) the credential while we waited.
	cur, err = c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur.Valid(c.now()) {
		return cur.Sanitized(), nil
	}
	if cur.RefreshToken == "" {
		return nil, fmt.Errorf("%s: %w", key, ErrNoRefreshSecret)
	}
	if remaining := c.cooldownRemaining(key); remaining > 0 {
		return nil, &RateLimitedError{RetryAfter: remaining}
	}

	c.recordAttempt(key)

	fresh, err := c.callProvider(ctx, key, cur)
	if err != nil {
		if provider.IsAuthError(err) {
			// The provider rejected the refresh secret. Clear it so
			// subsequent refreshes fail fast into re-authentication
			// instead of retrying a revoked secret forever.
			cleared := cur.Clone()
			cleared.RefreshToken = ""
			if serr := c.store.Save(ctx, key, cleared); serr != nil {
				log.Warn("clearing revoked refresh secret", "key", key.String(), "error", serr)
			}
			log.Info("refresh secret rejected, re-authentication required", "key", key.String())
			return nil, fmt.Errorf("refreshing %s: %w", key, err)
		}
		return nil, fmt.Errorf("refreshing %s: %w", key, err)
	}

	merged := token.Merge(cur, fresh)
	if err := c.store.Save(ctx, key, merged); err != nil {
		return nil, fmt.Errorf("persisting refreshed credential: %w", err)
	}
	log.Debug("credential refreshed", "key", key.String(), "expiry", merged.ExpiresAt())
	return merged.Sanitized(), nil
}

// callProvider invokes the provider's refresher with bounded retries.
// Authorization failures are surfaced immediately; transient failures get
// the retry schedule; exhaustion returns the last error.
func (c *Coordinator) callProvider(ctx context.Context, key token.Key, cur *token.Token) (*token.Token, error) {
	p := c.providers.Get(key.Provider)
	if p == nil || p.Refresher == nil {
		return nil, fmt.Errorf("%s: %w", key.Provider, provider.ErrNotFound)
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, retryDelays[attempt-1]); err != nil {
				return nil, err
			}
		}
		fresh, err := p.Refresher.Refresh(ctx, cur.Clone())
		if err == nil {
			return fresh, nil
		}
		if provider.IsAuthError(err) {
			return nil, err
		}
		lastErr = err
		log.Debug("refresh attempt failed", "key", key.String(), "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("refresh retries exhausted: %w", lastErr)
}

// Remove deletes the credential for key under the same lock refresh uses,
// so an in-flight refresh finishes and persists before the removal, and a
// refresh queued behind the removal finds nothing to refresh: logout wins
// regardless of arrival order. Deletion failures are logged; removal is
// best-effort and still reports success.
func (c *Coordinator) Remove(ctx context.Context, key token.Key) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	unlock, err := c.locks.Acquire(lockCtx, key)
	cancel()
	if err != nil {
		return fmt.Errorf("acquiring removal lock: %w", err)
	}
	defer unlock()

	if err := c.store.Remove(ctx, key); err != nil {
		log.Warn("removing credential", "key", key.String(), "error", err)
	}
	return nil
}

// Save merges an incoming token onto the stored one under the key's lock
// per the merge contract. Callers enforce their own secret policy before
// calling: the proxy strips refresh secrets from sandbox-supplied tokens,
// while login completions pass the full provider result through. A save
// onto an absent key stores the token as-is.
func (c *Coordinator) Save(ctx context.Context, key token.Key, incoming *token.Token) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	unlock, err := c.locks.Acquire(lockCtx, key)
	cancel()
	if err != nil {
		return fmt.Errorf("acquiring save lock: %w", err)
	}
	defer unlock()

	existing, err := c.store.Get(ctx, key)
	if err != nil && !errors.Is(err, token.ErrNotFound) {
		return err
	}
	merged := token.Merge(existing, incoming)
	if err := c.store.Save(ctx, key, merged); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}
	return nil
}
