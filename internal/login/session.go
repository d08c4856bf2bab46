// Package login manages ephemeral OAuth login sessions on behalf of
// sandboxed clients: one state machine per session, background poll tasks
// for device-code and browser-redirect flows, peer binding, single-use
// enforcement, and TTL-based sweeping. Sessions live only in server
// memory and never survive a restart.
package login

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/token"
	"github.com/majorcontext/credgate/internal/wire"
)

// Session errors. The proxy maps these onto wire codes.
var (
	ErrSessionNotFound = errors.New("login session not found")
	ErrSessionExpired  = errors.New("login session expired")
	ErrSessionUsed     = errors.New("login session already used")
	ErrFlowMismatch    = errors.New("operation does not match session flow")
	ErrPeerMismatch    = errors.New("session belongs to a different peer")
	ErrFlowUnsupported = errors.New("provider does not support this flow")
)

// Peer identifies the connection that created a session. When TrustUID is
// set the platform vouched for UID and mismatches are hard failures; PID
// is best-effort only (it may not correlate across an isolation boundary)
// and mismatches are merely logged.
type Peer struct {
	UID      int
	PID      int
	TrustUID bool
}

// State is a login session's lifecycle position.
type State string

// Session states. Completed, Errored, and Cancelled are terminal and
// inert; Expired is implicit in the session's age.
const (
	StateCreated   State = "created"
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// Session is one login flow in progress. All mutable fields are guarded
// by mu. Flow-internal secret state lives only in the attempt values and
// is never serialized or surfaced through any response.
type Session struct {
	id        string
	key       token.Key
	flow      wire.FlowStyle
	peer      Peer
	createdAt time.Time
	expiresAt time.Time

	mu    sync.Mutex
	state State
	used  bool

	// codePaste is set for code-paste sessions; the background flows
	// hold their attempt inside the goroutine instead.
	codePaste provider.CodePasteAttempt

	// cancelTask stops the background task of device-code and
	// browser-redirect sessions.
	cancelTask context.CancelFunc

	// Terminal result. result is stored sanitized; the full token is
	// persisted to the durable store before the session ever exposes
	// completion.
	result    *token.Token
	errCode   wire.Code
	errMsg    string
	interval  time.Duration // recommended poll spacing
	authURL   string
	verifyURL string
	userCode  string
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// expired reports whether the session is past its TTL.
func (s *Session) expired(now time.Time) bool {
	return now.After(s.expiresAt)
}

// terminal reports whether the session reached a terminal state.
// Caller holds s.mu.
func (s *Session) terminal() bool {
	switch s.state {
	case StateCompleted, StateErrored, StateCancelled:
		return true
	default:
		return false
	}
}

// normalizeFlowError maps a background flow failure onto the stable error
// taxonomy using only safe fields. Raw provider payloads never leave the
// host.
func normalizeFlowError(err error) (wire.Code, string) {
	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		return wire.CodeUnauthorized, "authorization denied"
	}
	var expErr *provider.FlowExpiredError
	if errors.As(err, &expErr) {
		return wire.CodeSessionExpired, "authorization expired"
	}
	return wire.CodeExchangeFailed, "authorization failed"
}
