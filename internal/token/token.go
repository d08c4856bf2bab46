// Package token defines the credential data model shared by the proxy
// server and its clients: OAuth tokens with provider-specific passthrough
// fields, the provider:bucket key that identifies one credential slot, and
// the store interfaces the proxy consumes.
package token

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// expirySkew is subtracted from the stored expiry when deciding whether a
// token is still usable, so callers never receive a token about to lapse
// mid-request.
const expirySkew = 30 * time.Second

// Token is a stored OAuth credential. RefreshToken is the long-lived
// secret; it never crosses the proxy boundary (see Sanitized). Extra
// carries provider-specific fields verbatim so unknown passthrough data
// survives a round trip through the proxy.
type Token struct {
	AccessToken  string `json:"access_token"`
	Expiry       int64  `json:"expiry,omitempty"` // epoch seconds
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields are the JSON keys handled by the named struct fields above.
// Everything else lands in Extra.
var knownFields = map[string]bool{
	"access_token":  true,
	"expiry":        true,
	"token_type":    true,
	"scope":         true,
	"refresh_token": true,
}

// UnmarshalJSON decodes a token, diverting unrecognized fields into Extra.
func (t *Token) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	type plain Token
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Token(p)

	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]json.RawMessage)
		}
		t.Extra[k] = v
	}
	return nil
}

// MarshalJSON encodes a token, folding Extra back into the top-level object.
func (t Token) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(t.Extra)+5)
	for k, v := range t.Extra {
		if knownFields[k] {
			continue
		}
		fields[k] = v
	}

	type plain Token
	base, err := json.Marshal(plain(t))
	if err != nil {
		return nil, err
	}
	var named map[string]json.RawMessage
	if err := json.Unmarshal(base, &named); err != nil {
		return nil, err
	}
	for k, v := range named {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// Valid reports whether the token has an access token that is not expired
// (with skew) at the given time. A zero expiry means the token does not
// expire.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.Expiry == 0 {
		return true
	}
	return time.Unix(t.Expiry, 0).After(now.Add(expirySkew))
}

// ExpiresAt returns the expiry as a time.Time. Zero expiry yields the zero
// time.
func (t *Token) ExpiresAt() time.Time {
	if t.Expiry == 0 {
		return time.Time{}
	}
	return time.Unix(t.Expiry, 0)
}

// Sanitized returns a copy of the token with the refresh secret removed
// and every other field, known or passthrough, preserved. This is the only
// way a token may be turned into response material: every response path in
// the proxy calls it exactly once, immediately before building the reply.
func (t *Token) Sanitized() *Token {
	if t == nil {
		return nil
	}
	out := *t
	out.RefreshToken = ""
	if t.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	if t.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Merge combines an existing stored token with a newly obtained one.
// Access token and expiry always take the new value. The refresh secret
// takes the new value only when the new token carries one, otherwise the
// existing secret is preserved. All other fields take the new value when
// present, falling back to the existing one.
func Merge(existing, fresh *Token) *Token {
	if existing == nil {
		return fresh.Clone()
	}
	if fresh == nil {
		return existing.Clone()
	}

	out := &Token{
		AccessToken: fresh.AccessToken,
		Expiry:      fresh.Expiry,
	}

	out.RefreshToken = existing.RefreshToken
	if fresh.RefreshToken != "" {
		out.RefreshToken = fresh.RefreshToken
	}

	out.TokenType = existing.TokenType
	if fresh.TokenType != "" {
		out.TokenType = fresh.TokenType
	}
	out.Scope = existing.Scope
	if fresh.Scope != "" {
		out.Scope = fresh.Scope
	}

	if len(existing.Extra) > 0 || len(fresh.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(existing.Extra)+len(fresh.Extra))
		for k, v := range existing.Extra {
			out.Extra[k] = v
		}
		for k, v := range fresh.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Key identifies one credential slot: a named bucket under a provider.
// It is the unit of locking and rate limiting.
type Key struct {
	Provider string
	Bucket   string
}

// DefaultBucket is the bucket used when a caller does not name one.
const DefaultBucket = "default"

// NewKey builds a key, applying the default bucket when bucket is empty.
func NewKey(provider, bucket string) Key {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return Key{Provider: provider, Bucket: bucket}
}

// String returns the canonical "provider:bucket" form.
func (k Key) String() string {
	return k.Provider + ":" + k.Bucket
}

// ParseKey parses "provider:bucket" (bucket optional) into a Key.
func ParseKey(s string) (Key, error) {
	provider, bucket, found := strings.Cut(s, ":")
	if provider == "" {
		return Key{}, fmt.Errorf("invalid credential key %q", s)
	}
	if !found || bucket == "" {
		bucket = DefaultBucket
	}
	return Key{Provider: provider, Bucket: bucket}, nil
}
