package wire

import (
	"encoding/json"
	"fmt"

	"github.com/majorcontext/credgate/internal/token"
)

// Op names one proxy operation.
type Op string

// Operations understood by the proxy.
const (
	OpReadToken     Op = "read-token"
	OpSaveToken     Op = "save-token"
	OpRemoveToken   Op = "remove-token"
	OpListProviders Op = "list-providers"
	OpListBuckets   Op = "list-buckets"
	OpRefreshToken  Op = "refresh-token"
	OpReadKey       Op = "read-key"
	OpListKeys      Op = "list-keys"
	OpInitiateLogin Op = "initiate-login"
	OpExchangeLogin Op = "exchange-login-code"
	OpPollLogin     Op = "poll-login"
	OpCancelLogin   Op = "cancel-login"
)

// Code is a stable error code carried in responses.
type Code string

// Stable error codes. Clients key behavior off these, never off messages.
const (
	CodeNotFound           Code = "not-found"
	CodeInvalidRequest     Code = "invalid-request"
	CodeRateLimited        Code = "rate-limited"
	CodeUnauthorized       Code = "unauthorized"
	CodeInternal           Code = "internal-error"
	CodeUnsupportedVersion Code = "unsupported-version"
	CodeSessionNotFound    Code = "session-not-found"
	CodeSessionExpired     Code = "session-expired"
	CodeSessionUsed        Code = "session-already-used"
	CodeExchangeFailed     Code = "exchange-failed"
	CodeProviderNotFound   Code = "provider-not-found"
)

// Error is the typed failure payload in a response.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	// RetryAfterSeconds is set for rate-limited errors: the remaining
	// cooldown before the operation may be retried.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Hello is the first frame a client sends: the protocol version range it
// can speak.
type Hello struct {
	MinVersion int `json:"min_version"`
	MaxVersion int `json:"max_version"`
}

// HelloReply is the server's answer to Hello. On success Version carries
// the negotiated version. On failure Error is set and the server closes
// the connection.
type HelloReply struct {
	Version int    `json:"version,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Request is the post-handshake envelope. ID is a client-chosen
// correlation id echoed in the response.
type Request struct {
	ID      string          `json:"id"`
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope for one answered request.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// KeyRequest addresses one credential slot. Used by read-token,
// remove-token, refresh-token, read-key, and list-buckets (bucket
// ignored).
type KeyRequest struct {
	Provider string `json:"provider"`
	Bucket   string `json:"bucket,omitempty"`
}

// Key resolves the request into a token.Key with bucket defaulting.
func (r KeyRequest) Key() token.Key {
	return token.NewKey(r.Provider, r.Bucket)
}

// SaveTokenRequest persists a token. Any refresh secret in Token is
// discarded server-side before merging; the sandbox can never plant a
// long-lived secret.
type SaveTokenRequest struct {
	Provider string      `json:"provider"`
	Bucket   string      `json:"bucket,omitempty"`
	Token    token.Token `json:"token"`
}

// Key resolves the request into a token.Key with bucket defaulting.
func (r SaveTokenRequest) Key() token.Key {
	return token.NewKey(r.Provider, r.Bucket)
}

// TokenResponse carries one sanitized token.
type TokenResponse struct {
	Token *token.Token `json:"token"`
}

// ListResponse carries a name listing (providers, buckets, or keys).
type ListResponse struct {
	Names []string `json:"names"`
}

// KeyResponse carries one API key value.
type KeyResponse struct {
	Value string `json:"value"`
}

// FlowStyle names a login flow shape.
type FlowStyle string

// Login flow styles.
const (
	FlowCodePaste       FlowStyle = "code-paste"
	FlowDeviceCode      FlowStyle = "device-code"
	FlowBrowserRedirect FlowStyle = "browser-redirect"
)

// InitiateLoginRequest starts a login flow for a credential slot.
type InitiateLoginRequest struct {
	Provider string    `json:"provider"`
	Bucket   string    `json:"bucket,omitempty"`
	Flow     FlowStyle `json:"flow"`
}

// Key resolves the request into a token.Key with bucket defaulting.
func (r InitiateLoginRequest) Key() token.Key {
	return token.NewKey(r.Provider, r.Bucket)
}

// InitiateLoginResponse returns the public face of a new login session.
// Flow-internal secret state never appears here.
type InitiateLoginResponse struct {
	SessionID string    `json:"session_id"`
	Flow      FlowStyle `json:"flow"`

	// AuthURL is set for code-paste and browser-redirect flows.
	AuthURL string `json:"auth_url,omitempty"`

	// VerificationURL, UserCode, and PollIntervalSeconds are set for the
	// device-code flow.
	VerificationURL     string `json:"verification_url,omitempty"`
	UserCode            string `json:"user_code,omitempty"`
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty"`
}

// ExchangeLoginRequest completes a code-paste session with the pasted code.
type ExchangeLoginRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// SessionRequest addresses an existing login session (poll, cancel).
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// PollStatus is the normalized state of a background login flow.
type PollStatus string

// Poll statuses. Provider-specific vocabulary (slow-down, authorization
// pending, ...) is normalized into these before leaving the host.
const (
	PollPending  PollStatus = "pending"
	PollComplete PollStatus = "complete"
	PollError    PollStatus = "error"
)

// PollLoginResponse reports background flow progress. Token is set only
// for PollComplete; ErrorCode only for PollError.
type PollLoginResponse struct {
	Status              PollStatus   `json:"status"`
	PollIntervalSeconds int          `json:"poll_interval_seconds,omitempty"`
	Token               *token.Token `json:"token,omitempty"`
	ErrorCode           Code         `json:"error_code,omitempty"`
}
