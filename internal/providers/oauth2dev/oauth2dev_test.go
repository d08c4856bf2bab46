package oauth2dev

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"

	"github.com/majorcontext/credgate/internal/config"
	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/token"
)

func TestNewCapabilityGating(t *testing.T) {
	tests := []struct {
		name                          string
		cfg                           config.ProviderConfig
		refresh, paste, device, brows bool
	}{
		{
			name:    "token url only",
			cfg:     config.ProviderConfig{Name: "a", TokenURL: "https://t"},
			refresh: true,
		},
		{
			name:    "auth and token",
			cfg:     config.ProviderConfig{Name: "a", AuthURL: "https://a", TokenURL: "https://t"},
			refresh: true, paste: true, brows: true,
		},
		{
			name:    "device and token",
			cfg:     config.ProviderConfig{Name: "a", TokenURL: "https://t", DeviceAuthURL: "https://d"},
			refresh: true, device: true,
		},
		{
			name: "everything",
			cfg: config.ProviderConfig{
				Name: "a", AuthURL: "https://a", TokenURL: "https://t", DeviceAuthURL: "https://d",
			},
			refresh: true, paste: true, device: true, brows: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if (p.Refresher != nil) != tt.refresh {
				t.Errorf("Refresher = %v, want %v", p.Refresher != nil, tt.refresh)
			}
			if (p.CodePaste != nil) != tt.paste {
				t.Errorf("CodePaste = %v, want %v", p.CodePaste != nil, tt.paste)
			}
			if (p.Device != nil) != tt.device {
				t.Errorf("Device = %v, want %v", p.Device != nil, tt.device)
			}
			if (p.Browser != nil) != tt.brows {
				t.Errorf("Browser = %v, want %v", p.Browser != nil, tt.brows)
			}
		})
	}
}

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRefresh(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "rt-1" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "new-at",
			"token_type": "Bearer",
			"refresh_token": "rt-2",
			"expires_in": 3600,
			"scope": "repo"
		}`))
	})

	p := New(config.ProviderConfig{Name: "acme", ClientID: "cid", TokenURL: srv.URL})
	got, err := p.Refresher.Refresh(context.Background(), &token.Token{RefreshToken: "rt-1"})
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got.AccessToken != "new-at" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
	if got.RefreshToken != "rt-2" {
		t.Errorf("RefreshToken = %q, want rotated secret", got.RefreshToken)
	}
	if got.Expiry == 0 {
		t.Error("Expiry not set from expires_in")
	}
	if got.Scope != "repo" {
		t.Errorf("Scope = %q", got.Scope)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "revoked"}`))
	})

	p := New(config.ProviderConfig{Name: "acme", ClientID: "cid", TokenURL: srv.URL})
	_, err := p.Refresher.Refresh(context.Background(), &token.Token{RefreshToken: "revoked-rt"})
	if !provider.IsAuthError(err) {
		t.Fatalf("error = %v, want auth error", err)
	}
}

func TestRefreshWithoutSecret(t *testing.T) {
	p := New(config.ProviderConfig{Name: "acme", ClientID: "cid", TokenURL: "https://unused"})
	_, err := p.Refresher.Refresh(context.Background(), &token.Token{AccessToken: "at"})
	if !provider.IsAuthError(err) {
		t.Fatalf("error = %v, want auth error", err)
	}
}

func TestCodePasteAuthURL(t *testing.T) {
	p := New(config.ProviderConfig{
		Name:     "acme",
		ClientID: "cid",
		AuthURL:  "https://auth.example.com/authorize",
		TokenURL: "https://token.example.com/token",
		Scopes:   []string{"repo", "user"},
	})

	attempt, err := p.CodePaste.InitiateCodePaste(context.Background())
	if err != nil {
		t.Fatalf("InitiateCodePaste failed: %v", err)
	}

	u, err := url.Parse(attempt.AuthURL())
	if err != nil {
		t.Fatalf("parsing auth URL: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "cid" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != oobRedirectURI {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("state") == "" {
		t.Error("no state parameter")
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Error("PKCE challenge missing")
	}
}

func TestCodePasteExchange(t *testing.T) {
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		if got := r.Form.Get("code"); got != "pasted" {
			t.Errorf("code = %q", got)
		}
		if r.Form.Get("code_verifier") == "" {
			t.Error("no PKCE verifier in exchange")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "at", "token_type": "Bearer", "refresh_token": "rt"}`))
	})

	p := New(config.ProviderConfig{
		Name:     "acme",
		ClientID: "cid",
		AuthURL:  "https://auth.example.com/authorize",
		TokenURL: srv.URL,
	})
	attempt, err := p.CodePaste.InitiateCodePaste(context.Background())
	if err != nil {
		t.Fatalf("InitiateCodePaste failed: %v", err)
	}
	got, err := attempt.Exchange(context.Background(), "pasted")
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if got.AccessToken != "at" || got.RefreshToken != "rt" {
		t.Errorf("token = %+v", got)
	}
}

func TestInitiateDeviceCode(t *testing.T) {
	device := tokenEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"device_code": "dc",
			"user_code": "ABCD-1234",
			"verification_uri": "https://verify.example.com",
			"expires_in": 900,
			"interval": 7
		}`))
	})

	p := New(config.ProviderConfig{
		Name:          "acme",
		ClientID:      "cid",
		TokenURL:      "https://token.example.com/token",
		DeviceAuthURL: device.URL,
	})
	attempt, err := p.Device.InitiateDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("InitiateDeviceCode failed: %v", err)
	}
	if attempt.UserCode() != "ABCD-1234" {
		t.Errorf("UserCode = %q", attempt.UserCode())
	}
	if attempt.VerificationURL() != "https://verify.example.com" {
		t.Errorf("VerificationURL = %q", attempt.VerificationURL())
	}
	if attempt.Interval().Seconds() != 7 {
		t.Errorf("Interval = %s, want 7s", attempt.Interval())
	}
}

func TestMapTokenError(t *testing.T) {
	tests := []struct {
		code     string
		wantAuth bool
		wantExp  bool
	}{
		{"invalid_grant", true, false},
		{"access_denied", true, false},
		{"unauthorized_client", true, false},
		{"expired_token", false, true},
		{"server_error", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			in := &oauth2.RetrieveError{ErrorCode: tt.code}
			out := mapTokenError(in)
			if provider.IsAuthError(out) != tt.wantAuth {
				t.Errorf("IsAuthError = %v, want %v", provider.IsAuthError(out), tt.wantAuth)
			}
			var fe *provider.FlowExpiredError
			if errors.As(out, &fe) != tt.wantExp {
				t.Errorf("FlowExpiredError = %v, want %v", errors.As(out, &fe), tt.wantExp)
			}
		})
	}

	plain := errors.New("boom")
	if got := mapTokenError(plain); got != plain {
		t.Errorf("non-oauth error transformed: %v", got)
	}
}
