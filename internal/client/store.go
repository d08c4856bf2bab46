package client

import (
	"context"
	"errors"

	"github.com/majorcontext/credgate/internal/token"
	"github.com/majorcontext/credgate/internal/wire"
)

// TokenStore adapts a Client to the token.Store and token.KeyReader
// interfaces, so sandbox-side code written against a local store works
// unchanged against the proxy.
type TokenStore struct {
	c *Client
}

// NewTokenStore wraps a client as a token store.
func NewTokenStore(c *Client) *TokenStore {
	return &TokenStore{c: c}
}

// mapNotFound converts the proxy's typed not-found into the store
// sentinel callers already match on.
func mapNotFound(err error) error {
	if ErrorCode(err) == wire.CodeNotFound {
		return token.ErrNotFound
	}
	return err
}

// Get implements token.Store. Tokens arrive sanitized.
func (s *TokenStore) Get(ctx context.Context, key token.Key) (*token.Token, error) {
	tok, err := s.c.ReadToken(ctx, key)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return tok, nil
}

// Save implements token.Store.
func (s *TokenStore) Save(ctx context.Context, key token.Key, tok *token.Token) error {
	return s.c.SaveToken(ctx, key, tok)
}

// Remove implements token.Store.
func (s *TokenStore) Remove(ctx context.Context, key token.Key) error {
	return s.c.RemoveToken(ctx, key)
}

// Providers implements token.Store.
func (s *TokenStore) Providers(ctx context.Context) ([]string, error) {
	return s.c.Providers(ctx)
}

// Buckets implements token.Store.
func (s *TokenStore) Buckets(ctx context.Context, provider string) ([]string, error) {
	return s.c.Buckets(ctx, provider)
}

// APIKey implements token.KeyReader.
func (s *TokenStore) APIKey(ctx context.Context, key token.Key) (string, error) {
	value, err := s.c.APIKey(ctx, key)
	if err != nil {
		return "", mapNotFound(err)
	}
	return value, nil
}

// APIKeys implements token.KeyReader.
func (s *TokenStore) APIKeys(ctx context.Context) ([]string, error) {
	return s.c.APIKeys(ctx)
}

// SetAPIKey always fails: key writes only happen on the host.
func (s *TokenStore) SetAPIKey(token.Key, string) error {
	return errors.New("API keys are managed on the host (credgate key set)")
}

// PassthroughLocker implements token.Locker without taking any lock. The
// proxy serializes all mutations host-side; a second lock layer in the
// sandbox would only deadlock against it.
type PassthroughLocker struct{}

// Acquire implements token.Locker.
func (PassthroughLocker) Acquire(context.Context, token.Key) (token.UnlockFunc, error) {
	return func() {}, nil
}
