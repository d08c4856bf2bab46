// Package provider defines the abstractions the proxy uses to talk to
// OAuth providers: token refresh and the three login flow styles. Concrete
// implementations live under internal/providers; the proxy core only sees
// these interfaces, so provider wire protocols stay outside the trust
// boundary logic.
package provider

import (
	"context"
	"time"

	"github.com/majorcontext/credgate/internal/token"
)

// Refresher exchanges a full stored token (including its refresh secret)
// for a fresh one. Implementations return AuthError when the provider
// rejects the refresh secret, so callers can distinguish re-auth-required
// from transient failure.
type Refresher interface {
	Refresh(ctx context.Context, tok *token.Token) (*token.Token, error)
}

// CodePasteFlow starts authorizations where the user opens a URL and
// pastes a code back.
type CodePasteFlow interface {
	// InitiateCodePaste creates one authorization attempt. The attempt
	// owns any flow-internal secret state (PKCE verifier, state value).
	InitiateCodePaste(ctx context.Context) (CodePasteAttempt, error)
}

// CodePasteAttempt is one in-flight code-paste authorization.
type CodePasteAttempt interface {
	// AuthURL is the URL the user must open. It may carry opaque flow
	// state as a parameter the browser passes through unmodified.
	AuthURL() string

	// Exchange trades the pasted code for a full token using the
	// internally held secret state. Single use.
	Exchange(ctx context.Context, code string) (*token.Token, error)
}

// DeviceCodeFlow starts authorizations where the user enters a short code
// on another device while the host polls.
type DeviceCodeFlow interface {
	InitiateDeviceCode(ctx context.Context) (DeviceCodeAttempt, error)
}

// DeviceCodeAttempt is one in-flight device-code authorization.
type DeviceCodeAttempt interface {
	VerificationURL() string
	UserCode() string

	// Interval is the provider-recommended poll spacing.
	Interval() time.Duration

	// Wait polls the provider until the user approves, denies, or the
	// code expires. It blocks and is meant to run as a background task;
	// cancel ctx to abandon it.
	Wait(ctx context.Context) (*token.Token, error)
}

// BrowserRedirectFlow starts authorizations that complete via a local
// redirect listener on the host.
type BrowserRedirectFlow interface {
	InitiateBrowserRedirect(ctx context.Context) (BrowserRedirectAttempt, error)
}

// BrowserRedirectAttempt is one in-flight browser-redirect authorization.
type BrowserRedirectAttempt interface {
	AuthURL() string

	// Wait blocks until the redirect arrives and the code exchange
	// finishes. Cancel ctx to tear down the listener.
	Wait(ctx context.Context) (*token.Token, error)
}

// Provider bundles the capabilities one provider supports. Nil fields mean
// the capability is unavailable.
type Provider struct {
	Name      string
	Refresher Refresher
	CodePaste CodePasteFlow
	Device    DeviceCodeFlow
	Browser   BrowserRedirectFlow
}
