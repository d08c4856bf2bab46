package client

import (
	"context"

	"github.com/majorcontext/credgate/internal/token"
	"github.com/majorcontext/credgate/internal/wire"
)

// ReadToken returns the sanitized token for a credential slot.
func (c *Client) ReadToken(ctx context.Context, key token.Key) (*token.Token, error) {
	var resp wire.TokenResponse
	err := c.call(ctx, wire.OpReadToken, wire.KeyRequest{Provider: key.Provider, Bucket: key.Bucket}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Token, nil
}

// SaveToken persists a token for a slot. Any refresh secret in tok is
// discarded by the proxy; only the host can install one, via a login flow
// or a host-side refresh.
func (c *Client) SaveToken(ctx context.Context, key token.Key, tok *token.Token) error {
	return c.call(ctx, wire.OpSaveToken, wire.SaveTokenRequest{
		Provider: key.Provider,
		Bucket:   key.Bucket,
		Token:    *tok,
	}, nil)
}

// RemoveToken deletes the credential for a slot.
func (c *Client) RemoveToken(ctx context.Context, key token.Key) error {
	return c.call(ctx, wire.OpRemoveToken, wire.KeyRequest{Provider: key.Provider, Bucket: key.Bucket}, nil)
}

// Providers lists providers with stored tokens, filtered to the proxy's
// scope.
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	var resp wire.ListResponse
	if err := c.call(ctx, wire.OpListProviders, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// Buckets lists buckets with stored tokens under provider.
func (c *Client) Buckets(ctx context.Context, provider string) ([]string, error) {
	var resp wire.ListResponse
	if err := c.call(ctx, wire.OpListBuckets, wire.KeyRequest{Provider: provider}, &resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// RefreshToken asks the proxy to refresh a slot now and returns the
// sanitized result.
func (c *Client) RefreshToken(ctx context.Context, key token.Key) (*token.Token, error) {
	var resp wire.TokenResponse
	err := c.call(ctx, wire.OpRefreshToken, wire.KeyRequest{Provider: key.Provider, Bucket: key.Bucket}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Token, nil
}

// APIKey returns the API key stored for a slot.
func (c *Client) APIKey(ctx context.Context, key token.Key) (string, error) {
	var resp wire.KeyResponse
	err := c.call(ctx, wire.OpReadKey, wire.KeyRequest{Provider: key.Provider, Bucket: key.Bucket}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// APIKeys lists the key slots visible through the proxy.
func (c *Client) APIKeys(ctx context.Context) ([]string, error) {
	var resp wire.ListResponse
	if err := c.call(ctx, wire.OpListKeys, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// InitiateLogin starts a login flow for a slot.
func (c *Client) InitiateLogin(ctx context.Context, key token.Key, flow wire.FlowStyle) (*wire.InitiateLoginResponse, error) {
	var resp wire.InitiateLoginResponse
	err := c.call(ctx, wire.OpInitiateLogin, wire.InitiateLoginRequest{
		Provider: key.Provider,
		Bucket:   key.Bucket,
		Flow:     flow,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExchangeLoginCode completes a code-paste session with the pasted code.
func (c *Client) ExchangeLoginCode(ctx context.Context, sessionID, code string) (*token.Token, error) {
	var resp wire.TokenResponse
	err := c.call(ctx, wire.OpExchangeLogin, wire.ExchangeLoginRequest{SessionID: sessionID, Code: code}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Token, nil
}

// PollLogin reports progress of a background login session.
func (c *Client) PollLogin(ctx context.Context, sessionID string) (*wire.PollLoginResponse, error) {
	var resp wire.PollLoginResponse
	if err := c.call(ctx, wire.OpPollLogin, wire.SessionRequest{SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelLogin abandons a login session. Cancelling a finished or unknown
// session is not an error worth surfacing; callers treat it as cleanup.
func (c *Client) CancelLogin(ctx context.Context, sessionID string) error {
	return c.call(ctx, wire.OpCancelLogin, wire.SessionRequest{SessionID: sessionID}, nil)
}
