package token

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUnmarshalPreservesUnknownFields(t *testing.T) {
	input := `{
		"access_token": "at-123",
		"expiry": 1700000000,
		"refresh_token": "rt-456",
		"id_token": "eyJhbGciOi...",
		"account": {"uuid": "abc", "email": "u@example.com"}
	}`

	var tok Token
	if err := json.Unmarshal([]byte(input), &tok); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if tok.AccessToken != "at-123" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "at-123")
	}
	if tok.RefreshToken != "rt-456" {
		t.Errorf("RefreshToken = %q, want %q", tok.RefreshToken, "rt-456")
	}
	if len(tok.Extra) != 2 {
		t.Fatalf("Extra has %d fields, want 2: %v", len(tok.Extra), tok.Extra)
	}
	if _, ok := tok.Extra["id_token"]; !ok {
		t.Error("id_token missing from Extra")
	}
	if _, ok := tok.Extra["account"]; !ok {
		t.Error("account missing from Extra")
	}
	if _, ok := tok.Extra["access_token"]; ok {
		t.Error("known field access_token leaked into Extra")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	tok := Token{
		AccessToken: "at",
		Expiry:      1700000000,
		TokenType:   "Bearer",
		Extra: map[string]json.RawMessage{
			"id_token": json.RawMessage(`"jwt"`),
		},
	}

	data, err := json.Marshal(tok)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back Token
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.AccessToken != tok.AccessToken || back.Expiry != tok.Expiry || back.TokenType != tok.TokenType {
		t.Errorf("round trip changed fields: got %+v", back)
	}
	if string(back.Extra["id_token"]) != `"jwt"` {
		t.Errorf("id_token = %s, want %q", back.Extra["id_token"], `"jwt"`)
	}
}

func TestSanitizedStripsOnlyRefreshSecret(t *testing.T) {
	tok := &Token{
		AccessToken:  "at",
		Expiry:       1700000000,
		TokenType:    "Bearer",
		Scope:        "read",
		RefreshToken: "rt-secret",
		Extra: map[string]json.RawMessage{
			"id_token": json.RawMessage(`"jwt"`),
		},
	}

	clean := tok.Sanitized()
	if clean.RefreshToken != "" {
		t.Fatal("sanitized token still carries refresh secret")
	}
	if clean.AccessToken != "at" || clean.Expiry != tok.Expiry || clean.Scope != "read" {
		t.Errorf("sanitize altered non-secret fields: %+v", clean)
	}
	if string(clean.Extra["id_token"]) != `"jwt"` {
		t.Error("sanitize dropped passthrough field")
	}

	// The original must be untouched.
	if tok.RefreshToken != "rt-secret" {
		t.Error("sanitize mutated the original token")
	}

	// The serialized form must not contain the secret anywhere.
	data, err := json.Marshal(clean)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), "rt-secret") {
		t.Errorf("serialized sanitized token leaks secret: %s", data)
	}
}

func TestSanitizedCopiesExtra(t *testing.T) {
	tok := &Token{
		AccessToken: "at",
		Extra:       map[string]json.RawMessage{"a": json.RawMessage(`1`)},
	}
	clean := tok.Sanitized()
	clean.Extra["b"] = json.RawMessage(`2`)
	if _, ok := tok.Extra["b"]; ok {
		t.Error("sanitized copy shares Extra map with original")
	}
}

func TestValid(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		tok  *Token
		want bool
	}{
		{"nil", nil, false},
		{"no access token", &Token{}, false},
		{"no expiry", &Token{AccessToken: "at"}, true},
		{"future expiry", &Token{AccessToken: "at", Expiry: now.Unix() + 3600}, true},
		{"past expiry", &Token{AccessToken: "at", Expiry: now.Unix() - 1}, false},
		{"inside skew", &Token{AccessToken: "at", Expiry: now.Unix() + 10}, false},
		{"just outside skew", &Token{AccessToken: "at", Expiry: now.Unix() + 31}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tok.Valid(now); got != tt.want {
				t.Errorf("Valid = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	existing := &Token{
		AccessToken:  "old-at",
		Expiry:       100,
		TokenType:    "Bearer",
		Scope:        "read write",
		RefreshToken: "old-rt",
		Extra:        map[string]json.RawMessage{"keep": json.RawMessage(`1`)},
	}

	t.Run("fresh without refresh secret keeps existing", func(t *testing.T) {
		fresh := &Token{AccessToken: "new-at", Expiry: 200}
		out := Merge(existing, fresh)
		if out.AccessToken != "new-at" || out.Expiry != 200 {
			t.Errorf("access/expiry not taken from fresh: %+v", out)
		}
		if out.RefreshToken != "old-rt" {
			t.Errorf("RefreshToken = %q, want existing secret", out.RefreshToken)
		}
		if out.TokenType != "Bearer" || out.Scope != "read write" {
			t.Errorf("absent fields not carried from existing: %+v", out)
		}
		if string(out.Extra["keep"]) != `1` {
			t.Error("existing Extra dropped")
		}
	})

	t.Run("fresh refresh secret wins", func(t *testing.T) {
		fresh := &Token{AccessToken: "new-at", RefreshToken: "new-rt"}
		out := Merge(existing, fresh)
		if out.RefreshToken != "new-rt" {
			t.Errorf("RefreshToken = %q, want %q", out.RefreshToken, "new-rt")
		}
	})

	t.Run("fresh extra overrides per field", func(t *testing.T) {
		fresh := &Token{
			AccessToken: "new-at",
			Extra:       map[string]json.RawMessage{"keep": json.RawMessage(`2`)},
		}
		out := Merge(existing, fresh)
		if string(out.Extra["keep"]) != `2` {
			t.Errorf("Extra[keep] = %s, want 2", out.Extra["keep"])
		}
	})

	t.Run("nil existing", func(t *testing.T) {
		fresh := &Token{AccessToken: "at"}
		out := Merge(nil, fresh)
		if out.AccessToken != "at" {
			t.Errorf("Merge(nil, fresh) = %+v", out)
		}
	})
}

func TestKeyParsing(t *testing.T) {
	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{"github", Key{"github", "default"}, false},
		{"github:prod", Key{"github", "prod"}, false},
		{"github:", Key{"github", "default"}, false},
		{":prod", Key{}, true},
		{"", Key{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKey(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeyString(t *testing.T) {
	if got := NewKey("github", "").String(); got != "github:default" {
		t.Errorf("String = %q, want github:default", got)
	}
}
