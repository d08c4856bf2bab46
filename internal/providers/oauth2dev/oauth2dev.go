// Package oauth2dev builds providers for standards-compliant OAuth 2.0
// endpoints: refresh-token grants plus the code-paste, device-code, and
// browser-redirect login styles. Which capabilities a provider exposes
// follows from which endpoints its configuration names.
package oauth2dev

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/majorcontext/credgate/internal/config"
	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/token"
)

// oobRedirectURI is the out-of-band redirect for code-paste flows: the
// authorization server displays the code instead of redirecting.
const oobRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

// exchangeTimeout bounds a single token endpoint round trip.
const exchangeTimeout = 30 * time.Second

// Client drives one provider's OAuth endpoints.
type Client struct {
	name string
	cfg  oauth2.Config
}

// New assembles a provider from its endpoint configuration. Capabilities
// without the endpoints they need are left nil.
func New(pc config.ProviderConfig) *provider.Provider {
	c := &Client{
		name: pc.Name,
		cfg: oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Scopes:       pc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:       pc.AuthURL,
				TokenURL:      pc.TokenURL,
				DeviceAuthURL: pc.DeviceAuthURL,
			},
		},
	}

	p := &provider.Provider{Name: pc.Name}
	if pc.TokenURL != "" {
		p.Refresher = c
	}
	if pc.AuthURL != "" && pc.TokenURL != "" {
		p.CodePaste = c
		p.Browser = c
	}
	if pc.DeviceAuthURL != "" && pc.TokenURL != "" {
		p.Device = c
	}
	return p
}

// Refresh exchanges the stored refresh secret for a fresh token.
func (c *Client) Refresh(ctx context.Context, tok *token.Token) (*token.Token, error) {
	if tok.RefreshToken == "" {
		return nil, &provider.AuthError{Code: "invalid_grant", Description: "no refresh token"}
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	// Force the token source to refresh by presenting an already expired
	// access token.
	src := c.cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	fresh, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, mapTokenError(err))
	}
	return fromOAuth2(fresh), nil
}

// fromOAuth2 converts an x/oauth2 token into the stored representation.
func fromOAuth2(t *oauth2.Token) *token.Token {
	out := &token.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if !t.Expiry.IsZero() {
		out.Expiry = t.Expiry.Unix()
	}
	if scope, ok := t.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out
}

// mapTokenError translates token endpoint failures into the package's
// error taxonomy. Rejections of the credential itself become AuthError;
// expirations become FlowExpiredError; everything else stays transient.
func mapTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	switch re.ErrorCode {
	case "invalid_grant", "access_denied", "unauthorized_client", "invalid_client":
		return &provider.AuthError{Code: re.ErrorCode, Description: re.ErrorDescription}
	case "expired_token":
		return &provider.FlowExpiredError{Reason: "code expired"}
	}
	return err
}
