package refresh

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/majorcontext/credgate/internal/log"
	"github.com/majorcontext/credgate/internal/token"
)

const (
	// minLead is the minimum head start before expiry at which a renewal
	// fires.
	minLead = 300 * time.Second

	// maxJitter spreads renewal times so many keys refreshed together do
	// not fire together forever.
	maxJitter = 30 * time.Second

	// renewTimeout bounds one proactive refresh attempt.
	renewTimeout = 60 * time.Second

	// backoffBase and backoffCap shape the retry schedule after a failed
	// proactive renewal; after maxRenewFailures the key is abandoned
	// until the next read reschedules it.
	backoffBase      = 30 * time.Second
	backoffCap       = 30 * time.Minute
	maxRenewFailures = 10
)

// renewal is one scheduled proactive refresh.
type renewal struct {
	timer    *time.Timer
	failures int
}

// Scheduler owns the proactive renewal timers: at most one per credential
// key, created lazily when a read serves a token, all cancelled atomically
// on shutdown. Timers are never persisted; a restarted proxy rebuilds them
// from subsequent reads.
type Scheduler struct {
	coord *Coordinator
	store token.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[token.Key]*renewal
	closed bool

	// test seams
	now    func() time.Time
	jitter func() time.Duration
}

// NewScheduler creates a scheduler driving refreshes through coord.
func NewScheduler(coord *Coordinator, store token.Store) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		coord:  coord,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[token.Key]*renewal),
		now:    time.Now,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
	}
}

// lead returns the head start for a token with the given remaining
// lifetime: max(5 minutes, 10% of remaining), before jitter.
func lead(remaining time.Duration) time.Duration {
	l := remaining / 10
	if l < minLead {
		l = minLead
	}
	return l
}

// fireDelay computes how long to wait before renewing a token that
// expires at expiry. Never negative.
func (s *Scheduler) fireDelay(expiry time.Time) time.Duration {
	remaining := expiry.Sub(s.now())
	d := remaining - lead(remaining) - s.jitter()
	if d < 0 {
		return 0
	}
	return d
}

// Note observes a token served by a read and schedules a renewal for its
// key if none is pending. Tokens without an expiry or without a refresh
// secret need no renewal.
func (s *Scheduler) Note(key token.Key, tok *token.Token) {
	if tok == nil || tok.Expiry == 0 || tok.RefreshToken == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.timers[key]; ok {
		return
	}
	s.scheduleLocked(key, tok.ExpiresAt())
}

// Reschedule arms or re-aims the renewal for a key that was just
// refreshed on demand. Unlike Note it accepts sanitized tokens: a
// successful refresh proves the stored credential is refreshable.
func (s *Scheduler) Reschedule(key token.Key, tok *token.Token) {
	if tok == nil || tok.Expiry == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if r, ok := s.timers[key]; ok {
		r.failures = 0
		r.timer.Reset(s.fireDelay(tok.ExpiresAt()))
		return
	}
	s.scheduleLocked(key, tok.ExpiresAt())
}

// scheduleLocked installs a timer for key firing ahead of expiry.
// Caller holds s.mu.
func (s *Scheduler) scheduleLocked(key token.Key, expiry time.Time) {
	r := &renewal{}
	r.timer = time.AfterFunc(s.fireDelay(expiry), func() { s.fire(key, r) })
	s.timers[key] = r
	log.Debug("renewal scheduled", "key", key.String(), "expiry", expiry)
}

// fire runs one proactive renewal for key. r identifies the scheduling
// generation: if the registry no longer maps key to r, the renewal was
// cancelled or superseded and this firing is a no-op.
func (s *Scheduler) fire(key token.Key, r *renewal) {
	s.mu.Lock()
	if s.closed || s.timers[key] != r {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	tok, err := s.store.Get(s.ctx, key)
	if err != nil {
		// Removed (or unreadable): drop the timer; a later read will
		// reschedule if the credential comes back.
		s.drop(key, r)
		return
	}

	// Re-check against the wall clock: after a host sleep the timer may
	// fire far from where it was aimed. If the token is still safely
	// inside its lead window, just reschedule.
	if delay := s.fireDelay(tok.ExpiresAt()); delay > 0 && tok.Valid(s.now()) {
		s.reset(key, r, delay)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, renewTimeout)
	renewed, err := s.coord.Refresh(ctx, key)
	cancel()

	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.timers[key] != r {
			return
		}
		r.failures++
		if r.failures >= maxRenewFailures {
			log.Warn("abandoning proactive renewal", "key", key.String(), "failures", r.failures, "error", err)
			delete(s.timers, key)
			return
		}
		backoff := backoffBase << (r.failures - 1)
		if backoff > backoffCap {
			backoff = backoffCap
		}
		log.Debug("proactive renewal failed", "key", key.String(), "failures", r.failures, "retry_in", backoff, "error", err)
		r.timer.Reset(backoff)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timers[key] != r {
		return
	}
	r.failures = 0
	if renewed.Expiry == 0 {
		delete(s.timers, key)
		return
	}
	r.timer.Reset(s.fireDelay(renewed.ExpiresAt()))
}

// drop removes the renewal for key if it is still generation r.
func (s *Scheduler) drop(key token.Key, r *renewal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers[key] == r {
		delete(s.timers, key)
	}
}

// reset re-arms the renewal for key if it is still generation r.
func (s *Scheduler) reset(key token.Key, r *renewal, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timers[key] != r {
		return
	}
	r.timer.Reset(d)
}

// Cancel stops any pending renewal for key. Used when a credential is
// removed.
func (s *Scheduler) Cancel(key token.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.timers[key]; ok {
		r.timer.Stop()
		delete(s.timers, key)
	}
}

// Close cancels every timer atomically and stops any in-flight renewal.
// The scheduler accepts no new work afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for key, r := range s.timers {
		r.timer.Stop()
		delete(s.timers, key)
	}
}

// Pending returns the number of scheduled renewals. Test helper.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
