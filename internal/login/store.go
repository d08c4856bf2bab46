package login

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/majorcontext/credgate/internal/id"
	"github.com/majorcontext/credgate/internal/log"
	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/refresh"
	"github.com/majorcontext/credgate/internal/token"
	"github.com/majorcontext/credgate/internal/wire"
)

// DefaultTTL is how long a session may be driven to completion before it
// expires.
const DefaultTTL = 10 * time.Minute

// sweepGrace keeps expired sessions in the cache slightly past their TTL
// so a late operation sees session-expired instead of the ambiguous
// session-not-found.
const sweepGrace = time.Minute

// persistTimeout bounds writing a login result to the durable store.
const persistTimeout = 15 * time.Second

// defaultPollInterval is the recommended poll spacing when the provider
// does not suggest one.
const defaultPollInterval = 5 * time.Second

// Store owns the login sessions of one server instance. It is created per
// server and passed by reference, never package-level, so instances under
// test cannot interfere. A ttlcache sweep discards expired sessions and
// tears down their background tasks.
type Store struct {
	providers *provider.Registry
	coord     *refresh.Coordinator
	ttl       time.Duration

	sessions *ttlcache.Cache[string, *Session]
}

// NewStore creates a session store. ttl <= 0 uses DefaultTTL.
func NewStore(providers *provider.Registry, coord *refresh.Coordinator, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Session](ttl+sweepGrace),
		ttlcache.WithDisableTouchOnHit[string, *Session](),
	)
	s := &Store{
		providers: providers,
		coord:     coord,
		ttl:       ttl,
		sessions:  cache,
	}
	cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		s.teardown(item.Value())
	})
	go cache.Start()
	return s
}

// teardown stops a session's background task, if any.
func (s *Store) teardown(sess *Session) {
	sess.mu.Lock()
	cancel := sess.cancelTask
	sess.cancelTask = nil
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close discards every session and stops all background tasks.
func (s *Store) Close() {
	s.sessions.Stop()
	for _, item := range s.sessions.Items() {
		s.teardown(item.Value())
	}
	s.sessions.DeleteAll()
}

// Len returns the number of live sessions. Test helper.
func (s *Store) Len() int {
	return s.sessions.Len()
}

// Initiate starts a login flow for key and returns the session's public
// fields. Flow-internal secret state stays inside the session.
func (s *Store) Initiate(ctx context.Context, key token.Key, flow wire.FlowStyle, peer Peer) (*wire.InitiateLoginResponse, error) {
	p := s.providers.Get(key.Provider)
	if p == nil {
		return nil, fmt.Errorf("%s: %w", key.Provider, provider.ErrNotFound)
	}

	now := time.Now()
	sess := &Session{
		id:        id.NewSessionID(),
		key:       key,
		flow:      flow,
		peer:      peer,
		createdAt: now,
		expiresAt: now.Add(s.ttl),
		state:     StateCreated,
		interval:  defaultPollInterval,
	}

	switch flow {
	case wire.FlowCodePaste:
		if p.CodePaste == nil {
			return nil, fmt.Errorf("%s code-paste: %w", key.Provider, ErrFlowUnsupported)
		}
		attempt, err := p.CodePaste.InitiateCodePaste(ctx)
		if err != nil {
			return nil, fmt.Errorf("initiating code-paste login: %w", err)
		}
		sess.codePaste = attempt
		sess.authURL = attempt.AuthURL()

	case wire.FlowDeviceCode:
		if p.Device == nil {
			return nil, fmt.Errorf("%s device-code: %w", key.Provider, ErrFlowUnsupported)
		}
		attempt, err := p.Device.InitiateDeviceCode(ctx)
		if err != nil {
			return nil, fmt.Errorf("initiating device-code login: %w", err)
		}
		sess.verifyURL = attempt.VerificationURL()
		sess.userCode = attempt.UserCode()
		if iv := attempt.Interval(); iv > 0 {
			sess.interval = iv
		}
		s.startBackground(sess, attempt.Wait)

	case wire.FlowBrowserRedirect:
		if p.Browser == nil {
			return nil, fmt.Errorf("%s browser-redirect: %w", key.Provider, ErrFlowUnsupported)
		}
		attempt, err := p.Browser.InitiateBrowserRedirect(ctx)
		if err != nil {
			return nil, fmt.Errorf("initiating browser login: %w", err)
		}
		sess.authURL = attempt.AuthURL()
		s.startBackground(sess, attempt.Wait)

	default:
		return nil, fmt.Errorf("unknown flow style %q: %w", flow, ErrFlowUnsupported)
	}

	s.sessions.Set(sess.id, sess, ttlcache.DefaultTTL)
	log.Debug("login session created", "session", sess.id, "key", key.String(), "flow", flow)

	resp := &wire.InitiateLoginResponse{
		SessionID: sess.id,
		Flow:      flow,
		AuthURL:   sess.authURL,
	}
	if flow == wire.FlowDeviceCode {
		resp.VerificationURL = sess.verifyURL
		resp.UserCode = sess.userCode
		resp.PollIntervalSeconds = int(sess.interval / time.Second)
	}
	return resp, nil
}

// startBackground launches the flow's exchange/poll work as a task whose
// lifetime is independent of any request: the client may disconnect and a
// later reconnect-and-poll still observes progress. The session is marked
// used up front; background flows are single-shot by construction.
func (s *Store) startBackground(sess *Session, wait func(context.Context) (*token.Token, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.state = StatePending
	sess.used = true
	sess.cancelTask = cancel

	go func() {
		tok, err := wait(ctx)

		sess.mu.Lock()
		if sess.terminal() {
			// Cancelled while we were finishing; result is discarded.
			sess.mu.Unlock()
			return
		}
		if err != nil {
			code, msg := normalizeFlowError(err)
			sess.state = StateErrored
			sess.errCode = code
			sess.errMsg = msg
			sess.cancelTask = nil
			sess.mu.Unlock()
			log.Debug("login flow failed", "session", sess.id, "key", sess.key.String(), "code", code)
			return
		}
		sess.mu.Unlock()

		// Persist the full token before exposing completion, so a
		// "complete" poll never races the durable write.
		pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
		perr := s.coord.Save(pctx, sess.key, tok)
		pcancel()

		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.terminal() {
			return
		}
		sess.cancelTask = nil
		if perr != nil {
			sess.state = StateErrored
			sess.errCode = wire.CodeInternal
			sess.errMsg = "persisting credential failed"
			log.Warn("persisting login result", "session", sess.id, "key", sess.key.String(), "error", perr)
			return
		}
		sess.state = StateCompleted
		sess.result = tok.Sanitized()
		log.Debug("login flow completed", "session", sess.id, "key", sess.key.String())
	}()
}

// lookup fetches a live session, distinguishing expired from unknown.
func (s *Store) lookup(sessionID string) (*Session, error) {
	item := s.sessions.Get(sessionID)
	if item == nil {
		return nil, ErrSessionNotFound
	}
	sess := item.Value()
	if sess.expired(time.Now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// checkPeer enforces session peer binding. UID mismatches are hard
// failures when the platform vouched for the uid; pid mismatches are
// logged only, since pids need not correlate across an isolation
// boundary.
func checkPeer(sess *Session, peer Peer) error {
	if sess.peer.TrustUID && peer.TrustUID && sess.peer.UID != peer.UID {
		return fmt.Errorf("uid %d != %d: %w", peer.UID, sess.peer.UID, ErrPeerMismatch)
	}
	if sess.peer.PID != 0 && peer.PID != 0 && sess.peer.PID != peer.PID {
		log.Debug("login session pid mismatch", "session", sess.id, "created_by", sess.peer.PID, "caller", peer.PID)
	}
	return nil
}

// Exchange completes a code-paste session with the user-pasted code. The
// session is consumed whether or not the exchange succeeds.
func (s *Store) Exchange(ctx context.Context, sessionID, code string, peer Peer) (*token.Token, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	// Flow mismatch is rejected before any session state is touched.
	if sess.flow != wire.FlowCodePaste {
		return nil, fmt.Errorf("exchange on %s session: %w", sess.flow, ErrFlowMismatch)
	}
	if err := checkPeer(sess, peer); err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.used {
		sess.mu.Unlock()
		return nil, ErrSessionUsed
	}
	sess.used = true
	attempt := sess.codePaste
	sess.mu.Unlock()

	tok, err := attempt.Exchange(ctx, code)
	if err != nil {
		ecode, msg := normalizeFlowError(err)
		sess.mu.Lock()
		sess.state = StateErrored
		sess.errCode = ecode
		sess.errMsg = msg
		sess.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", msg, err)
	}

	if err := s.coord.Save(ctx, sess.key, tok); err != nil {
		sess.mu.Lock()
		sess.state = StateErrored
		sess.errCode = wire.CodeInternal
		sess.mu.Unlock()
		return nil, fmt.Errorf("persisting credential: %w", err)
	}

	sess.mu.Lock()
	sess.state = StateCompleted
	sess.mu.Unlock()
	log.Debug("login exchange completed", "session", sess.id, "key", sess.key.String())
	return tok.Sanitized(), nil
}

// Poll reports progress of a device-code or browser-redirect session. The
// first poll observing a terminal state consumes the session.
func (s *Store) Poll(sessionID string, peer Peer) (*wire.PollLoginResponse, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.flow != wire.FlowDeviceCode && sess.flow != wire.FlowBrowserRedirect {
		return nil, fmt.Errorf("poll on %s session: %w", sess.flow, ErrFlowMismatch)
	}
	if err := checkPeer(sess, peer); err != nil {
		return nil, err
	}

	sess.mu.Lock()
	var resp *wire.PollLoginResponse
	var consumed bool
	switch sess.state {
	case StatePending:
		resp = &wire.PollLoginResponse{
			Status:              wire.PollPending,
			PollIntervalSeconds: int(sess.interval / time.Second),
		}
	case StateCompleted:
		resp = &wire.PollLoginResponse{
			Status: wire.PollComplete,
			Token:  sess.result,
		}
		consumed = true
	case StateErrored:
		resp = &wire.PollLoginResponse{
			Status:    wire.PollError,
			ErrorCode: sess.errCode,
		}
		consumed = true
	}
	sess.mu.Unlock()

	if resp == nil {
		return nil, ErrSessionNotFound
	}
	// The first poll observing a terminal state consumes the session;
	// deletion happens outside the session lock because eviction tears
	// the session down.
	if consumed {
		s.sessions.Delete(sess.id)
	}
	return resp, nil
}

// Cancel tears down a session of any flow style: the background task is
// stopped promptly and the state discarded. Cancelling an unknown or
// already-cancelled session is not an error.
func (s *Store) Cancel(sessionID string, peer Peer) error {
	item := s.sessions.Get(sessionID)
	if item == nil {
		return nil
	}
	sess := item.Value()
	if err := checkPeer(sess, peer); err != nil {
		return err
	}

	sess.mu.Lock()
	sess.state = StateCancelled
	cancel := sess.cancelTask
	sess.cancelTask = nil
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sessions.Delete(sessionID)
	log.Debug("login session cancelled", "session", sessionID)
	return nil
}
