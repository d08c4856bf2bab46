package token

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no credential exists for a key.
var ErrNotFound = errors.New("credential not found")

// Store is the durable credential store the proxy consumes. Implementations
// must tolerate concurrent callers; the proxy serializes mutations per key
// through a Locker, so Save and Remove are only ever invoked under the
// key's lock.
type Store interface {
	// Get returns the full stored token for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Token, error)

	// Save persists the full token for key, replacing any prior value.
	Save(ctx context.Context, key Key, tok *Token) error

	// Remove deletes the token for key. Removing an absent key is not an
	// error.
	Remove(ctx context.Context, key Key) error

	// Providers lists provider names that have at least one stored token.
	Providers(ctx context.Context) ([]string, error)

	// Buckets lists bucket names stored under a provider.
	Buckets(ctx context.Context, provider string) ([]string, error)
}

// KeyReader reads long-lived API keys. The proxy only ever reads keys;
// key management stays on the host.
type KeyReader interface {
	// APIKey returns the API key stored for key, or ErrNotFound.
	APIKey(ctx context.Context, key Key) (string, error)

	// APIKeys lists the keys ("provider:bucket") that have a stored API key.
	APIKeys(ctx context.Context) ([]string, error)
}

// UnlockFunc releases a held lock. It is safe to call exactly once.
type UnlockFunc func()

// Locker provides cross-process advisory locking scoped to one credential
// key. Acquire blocks until the lock is held or ctx is done. A crashed
// holder must not wedge other processes: implementations expire stale
// locks.
type Locker interface {
	Acquire(ctx context.Context, key Key) (UnlockFunc, error)
}
