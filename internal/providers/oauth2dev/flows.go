package oauth2dev

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/token"
)

const defaultPollInterval = 5 * time.Second

// newState returns a random state parameter for CSRF binding.
func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// codePasteAttempt holds the PKCE verifier for one code-paste
// authorization. The verifier never leaves the process.
type codePasteAttempt struct {
	cfg      oauth2.Config
	verifier string
	authURL  string
}

// InitiateCodePaste starts a code-paste authorization with PKCE.
func (c *Client) InitiateCodePaste(ctx context.Context) (provider.CodePasteAttempt, error) {
	state, err := newState()
	if err != nil {
		return nil, err
	}
	cfg := c.cfg
	cfg.RedirectURL = oobRedirectURI
	verifier := oauth2.GenerateVerifier()
	return &codePasteAttempt{
		cfg:      cfg,
		verifier: verifier,
		authURL:  cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)),
	}, nil
}

func (a *codePasteAttempt) AuthURL() string { return a.authURL }

func (a *codePasteAttempt) Exchange(ctx context.Context, code string) (*token.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	tok, err := a.cfg.Exchange(ctx, code, oauth2.VerifierOption(a.verifier))
	if err != nil {
		return nil, mapTokenError(err)
	}
	return fromOAuth2(tok), nil
}

// deviceCodeAttempt wraps one device authorization grant.
type deviceCodeAttempt struct {
	cfg oauth2.Config
	da  *oauth2.DeviceAuthResponse
}

// InitiateDeviceCode requests a device code from the provider.
func (c *Client) InitiateDeviceCode(ctx context.Context) (provider.DeviceCodeAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	da, err := c.cfg.DeviceAuth(ctx, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, fmt.Errorf("%s: requesting device code: %w", c.name, mapTokenError(err))
	}
	return &deviceCodeAttempt{cfg: c.cfg, da: da}, nil
}

func (a *deviceCodeAttempt) VerificationURL() string {
	if a.da.VerificationURIComplete != "" {
		return a.da.VerificationURIComplete
	}
	return a.da.VerificationURI
}

func (a *deviceCodeAttempt) UserCode() string { return a.da.UserCode }

func (a *deviceCodeAttempt) Interval() time.Duration {
	if a.da.Interval > 0 {
		return time.Duration(a.da.Interval) * time.Second
	}
	return defaultPollInterval
}

// Wait polls the token endpoint until the user approves, denies, or the
// device code expires. x/oauth2 handles authorization_pending and
// slow_down internally.
func (a *deviceCodeAttempt) Wait(ctx context.Context) (*token.Token, error) {
	tok, err := a.cfg.DeviceAccessToken(ctx, a.da, oauth2.AccessTypeOffline)
	if err != nil {
		if !a.da.Expiry.IsZero() && time.Now().After(a.da.Expiry) {
			return nil, &provider.FlowExpiredError{Reason: "device code expired"}
		}
		return nil, mapTokenError(err)
	}
	return fromOAuth2(tok), nil
}

// browserRedirectAttempt runs a loopback listener for one redirect
// authorization. The listener is bound at initiation so the redirect URI
// in the authorization URL is final; Wait consumes the callback.
type browserRedirectAttempt struct {
	cfg      oauth2.Config
	verifier string
	state    string
	authURL  string

	server *http.Server
	codeCh chan string
	errCh  chan error

	once sync.Once
}

// InitiateBrowserRedirect binds a loopback port, starts the callback
// server, and returns the attempt carrying the authorization URL.
func (c *Client) InitiateBrowserRedirect(ctx context.Context) (provider.BrowserRedirectAttempt, error) {
	state, err := newState()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("starting callback listener: %w", err)
	}
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, fmt.Errorf("unexpected listener address type: %T", listener.Addr())
	}

	cfg := c.cfg
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/callback", addr.Port)
	verifier := oauth2.GenerateVerifier()

	a := &browserRedirectAttempt{
		cfg:      cfg,
		verifier: verifier,
		state:    state,
		authURL:  cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)),
		codeCh:   make(chan string, 1),
		errCh:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", a.handleCallback)
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.errCh <- fmt.Errorf("callback server: %w", err)
		}
	}()
	return a, nil
}

func (a *browserRedirectAttempt) AuthURL() string { return a.authURL }

func (a *browserRedirectAttempt) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != a.state {
		a.fail(errors.New("state parameter mismatch"))
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	if errMsg := q.Get("error"); errMsg != "" {
		a.fail(&provider.AuthError{Code: errMsg, Description: q.Get("error_description")})
		fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>%s</p><p>You can close this tab.</p></body></html>", html.EscapeString(errMsg))
		return
	}
	code := q.Get("code")
	if code == "" {
		a.fail(errors.New("no authorization code in callback"))
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	select {
	case a.codeCh <- code:
	default:
	}
	fmt.Fprint(w, "<html><body><h1>Authorization successful</h1><p>You can close this tab.</p></body></html>")
}

func (a *browserRedirectAttempt) fail(err error) {
	select {
	case a.errCh <- err:
	default:
	}
}

// Wait blocks for the redirect, exchanges the code, and tears the
// listener down. Cancelling ctx abandons the attempt.
func (a *browserRedirectAttempt) Wait(ctx context.Context) (*token.Token, error) {
	defer a.shutdown()

	var code string
	select {
	case code = <-a.codeCh:
	case err := <-a.errCh:
		return nil, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &provider.FlowExpiredError{Reason: "callback never arrived"}
		}
		return nil, ctx.Err()
	}

	exCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	tok, err := a.cfg.Exchange(exCtx, code, oauth2.VerifierOption(a.verifier))
	if err != nil {
		return nil, mapTokenError(err)
	}
	return fromOAuth2(tok), nil
}

func (a *browserRedirectAttempt) shutdown() {
	a.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(ctx) //nolint:errcheck
	})
}
