package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/majorcontext/credgate/internal/log"
	"github.com/majorcontext/credgate/internal/login"
	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/refresh"
	"github.com/majorcontext/credgate/internal/token"
	"github.com/majorcontext/credgate/internal/wire"
)

// decode unmarshals a request payload with strict schema checking: no
// unknown fields, no trailing garbage. Malformed payloads are rejected
// before any store is touched.
func decode(raw json.RawMessage, v any) *wire.Error {
	if len(raw) == 0 {
		return wire.Errorf(wire.CodeInvalidRequest, "missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return wire.Errorf(wire.CodeInvalidRequest, "malformed payload: %v", err)
	}
	if dec.More() {
		return wire.Errorf(wire.CodeInvalidRequest, "trailing data in payload")
	}
	return nil
}

func ok(id string, data any) wire.Response {
	resp := wire.Response{ID: id, OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fail(id, wire.Errorf(wire.CodeInternal, "internal error"))
		}
		resp.Data = raw
	}
	return resp
}

func fail(id string, werr *wire.Error) wire.Response {
	return wire.Response{ID: id, OK: false, Error: werr}
}

// checkScope enforces the allow-list fixed at startup.
func (s *Server) checkScope(key token.Key) *wire.Error {
	if !s.scope.Allows(key.Provider, key.Bucket) {
		return wire.Errorf(wire.CodeInvalidRequest, "%s is not in this proxy's scope", key)
	}
	return nil
}

// toWireError maps internal errors onto the stable taxonomy. Provider and
// store failures surface as generic typed errors; their details go to the
// log, never to the sandbox, since raw provider payloads can embed
// secrets.
func toWireError(err error) *wire.Error {
	var werr *wire.Error
	if errors.As(err, &werr) {
		return werr
	}

	var rl *refresh.RateLimitedError
	if errors.As(err, &rl) {
		out := wire.Errorf(wire.CodeRateLimited, "refresh cooldown active")
		out.RetryAfterSeconds = int((rl.RetryAfter + time.Second - 1) / time.Second)
		return out
	}

	switch {
	case errors.Is(err, token.ErrNotFound):
		return wire.Errorf(wire.CodeNotFound, "credential not found")
	case errors.Is(err, refresh.ErrNoRefreshSecret):
		return wire.Errorf(wire.CodeUnauthorized, "credential cannot be refreshed; re-authentication required")
	case errors.Is(err, provider.ErrNotFound):
		return wire.Errorf(wire.CodeProviderNotFound, "provider not configured")
	case errors.Is(err, login.ErrSessionNotFound):
		return wire.Errorf(wire.CodeSessionNotFound, "login session not found")
	case errors.Is(err, login.ErrSessionExpired):
		return wire.Errorf(wire.CodeSessionExpired, "login session expired")
	case errors.Is(err, login.ErrSessionUsed):
		return wire.Errorf(wire.CodeSessionUsed, "login session already used")
	case errors.Is(err, login.ErrFlowMismatch), errors.Is(err, login.ErrFlowUnsupported):
		return wire.Errorf(wire.CodeInvalidRequest, "operation does not match session flow")
	case errors.Is(err, login.ErrPeerMismatch):
		return wire.Errorf(wire.CodeUnauthorized, "session belongs to a different peer")
	case provider.IsAuthError(err):
		return wire.Errorf(wire.CodeUnauthorized, "authorization rejected by provider")
	}

	var expired *provider.FlowExpiredError
	if errors.As(err, &expired) {
		return wire.Errorf(wire.CodeExchangeFailed, "authorization expired")
	}

	log.Warn("request failed", "error", err)
	return wire.Errorf(wire.CodeInternal, "internal error")
}

// dispatch routes one request. Per-operation handlers run the check
// sequence in order: schema validation, scope check, the connection's
// request budget, then the operation itself.
func (s *Server) dispatch(ctx context.Context, cs *connState, req *wire.Request) wire.Response {
	handler, known := map[wire.Op]func(context.Context, *connState, json.RawMessage) (any, error){
		wire.OpReadToken:     s.handleReadToken,
		wire.OpSaveToken:     s.handleSaveToken,
		wire.OpRemoveToken:   s.handleRemoveToken,
		wire.OpListProviders: s.handleListProviders,
		wire.OpListBuckets:   s.handleListBuckets,
		wire.OpRefreshToken:  s.handleRefreshToken,
		wire.OpReadKey:       s.handleReadKey,
		wire.OpListKeys:      s.handleListKeys,
		wire.OpInitiateLogin: s.handleInitiateLogin,
		wire.OpExchangeLogin: s.handleExchangeLogin,
		wire.OpPollLogin:     s.handlePollLogin,
		wire.OpCancelLogin:   s.handleCancelLogin,
	}[req.Op]
	if !known {
		return fail(req.ID, wire.Errorf(wire.CodeInvalidRequest, "unknown operation %q", req.Op))
	}

	data, err := handler(ctx, cs, req.Payload)
	if err != nil {
		return fail(req.ID, toWireError(err))
	}
	return ok(req.ID, data)
}

// keyRequest runs the common prologue for slot-addressed operations.
func (s *Server) keyRequest(cs *connState, raw json.RawMessage) (token.Key, error) {
	var req wire.KeyRequest
	if werr := decode(raw, &req); werr != nil {
		return token.Key{}, werr
	}
	if req.Provider == "" {
		return token.Key{}, wire.Errorf(wire.CodeInvalidRequest, "provider is required")
	}
	key := req.Key()
	if werr := s.checkScope(key); werr != nil {
		return token.Key{}, werr
	}
	if werr := cs.checkRate(); werr != nil {
		return token.Key{}, werr
	}
	return key, nil
}

func (s *Server) handleReadToken(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	key, err := s.keyRequest(cs, raw)
	if err != nil {
		return nil, err
	}
	tok, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.sched.Note(key, tok)
	return wire.TokenResponse{Token: tok.Sanitized()}, nil
}

func (s *Server) handleSaveToken(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	var req wire.SaveTokenRequest
	if werr := decode(raw, &req); werr != nil {
		return nil, werr
	}
	if req.Provider == "" {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "provider is required")
	}
	if req.Token.AccessToken == "" {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "token requires an access token")
	}
	key := req.Key()
	if werr := s.checkScope(key); werr != nil {
		return nil, werr
	}
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}

	// A sandbox-supplied refresh secret is always discarded before the
	// merge: the existing stored secret, if any, is what survives.
	incoming := req.Token
	incoming.RefreshToken = ""
	if err := s.coord.Save(ctx, key, &incoming); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleRemoveToken(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	key, err := s.keyRequest(cs, raw)
	if err != nil {
		return nil, err
	}
	s.sched.Cancel(key)
	if err := s.coord.Remove(ctx, key); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleListProviders(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}
	providers, err := s.store.Providers(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		if s.scope.AllowsProvider(p) {
			names = append(names, p)
		}
	}
	return wire.ListResponse{Names: names}, nil
}

func (s *Server) handleListBuckets(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	var req wire.KeyRequest
	if werr := decode(raw, &req); werr != nil {
		return nil, werr
	}
	if req.Provider == "" {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "provider is required")
	}
	if !s.scope.AllowsProvider(req.Provider) {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "%s is not in this proxy's scope", req.Provider)
	}
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}
	buckets, err := s.store.Buckets(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		if s.scope.Allows(req.Provider, b) {
			names = append(names, b)
		}
	}
	return wire.ListResponse{Names: names}, nil
}

func (s *Server) handleRefreshToken(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	key, err := s.keyRequest(cs, raw)
	if err != nil {
		return nil, err
	}
	tok, err := s.coord.Refresh(ctx, key)
	if err != nil {
		return nil, err
	}
	s.sched.Reschedule(key, tok)
	return wire.TokenResponse{Token: tok}, nil
}

func (s *Server) handleReadKey(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	key, err := s.keyRequest(cs, raw)
	if err != nil {
		return nil, err
	}
	if s.keys == nil {
		return nil, token.ErrNotFound
	}
	value, err := s.keys.APIKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return wire.KeyResponse{Value: value}, nil
}

func (s *Server) handleListKeys(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}
	if s.keys == nil {
		return wire.ListResponse{Names: []string{}}, nil
	}
	all, err := s.keys.APIKeys(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for _, name := range all {
		key, err := token.ParseKey(name)
		if err != nil {
			continue
		}
		if s.scope.Allows(key.Provider, key.Bucket) {
			names = append(names, name)
		}
	}
	return wire.ListResponse{Names: names}, nil
}

func (s *Server) handleInitiateLogin(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	var req wire.InitiateLoginRequest
	if werr := decode(raw, &req); werr != nil {
		return nil, werr
	}
	if req.Provider == "" {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "provider is required")
	}
	switch req.Flow {
	case wire.FlowCodePaste, wire.FlowDeviceCode, wire.FlowBrowserRedirect:
	default:
		return nil, wire.Errorf(wire.CodeInvalidRequest, "unknown flow style %q", req.Flow)
	}
	key := req.Key()
	if werr := s.checkScope(key); werr != nil {
		return nil, werr
	}
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}
	return s.sessions.Initiate(ctx, key, req.Flow, cs.peer)
}

func (s *Server) handleExchangeLogin(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	var req wire.ExchangeLoginRequest
	if werr := decode(raw, &req); werr != nil {
		return nil, werr
	}
	if req.SessionID == "" || req.Code == "" {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "session_id and code are required")
	}
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}
	tok, err := s.sessions.Exchange(ctx, req.SessionID, req.Code, cs.peer)
	if err != nil {
		return nil, exchangeError(err)
	}
	return wire.TokenResponse{Token: tok}, nil
}

// exchangeError keeps session-state errors as-is but folds provider-side
// exchange failures into the exchange-failed code.
func exchangeError(err error) error {
	switch {
	case errors.Is(err, login.ErrSessionNotFound),
		errors.Is(err, login.ErrSessionExpired),
		errors.Is(err, login.ErrSessionUsed),
		errors.Is(err, login.ErrFlowMismatch),
		errors.Is(err, login.ErrPeerMismatch):
		return err
	case provider.IsAuthError(err):
		return err
	default:
		log.Debug("login exchange failed", "error", err)
		return wire.Errorf(wire.CodeExchangeFailed, "code exchange failed")
	}
}

func (s *Server) handlePollLogin(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	var req wire.SessionRequest
	if werr := decode(raw, &req); werr != nil {
		return nil, werr
	}
	if req.SessionID == "" {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "session_id is required")
	}
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}
	return s.sessions.Poll(req.SessionID, cs.peer)
}

func (s *Server) handleCancelLogin(ctx context.Context, cs *connState, raw json.RawMessage) (any, error) {
	var req wire.SessionRequest
	if werr := decode(raw, &req); werr != nil {
		return nil, werr
	}
	if req.SessionID == "" {
		return nil, wire.Errorf(wire.CodeInvalidRequest, "session_id is required")
	}
	if werr := cs.checkRate(); werr != nil {
		return nil, werr
	}
	if err := s.sessions.Cancel(req.SessionID, cs.peer); err != nil {
		return nil, err
	}
	return nil, nil
}
