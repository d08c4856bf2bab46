// Package proxy implements the credential proxy server: a unix-socket
// endpoint with restrictive permissions, a version handshake, schema and
// scope checks, per-connection rate limiting, and dispatch into the
// refresh coordinator, renewal scheduler, and login session store.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/majorcontext/credgate/internal/config"
	"github.com/majorcontext/credgate/internal/log"
	"github.com/majorcontext/credgate/internal/login"
	"github.com/majorcontext/credgate/internal/provider"
	"github.com/majorcontext/credgate/internal/refresh"
	"github.com/majorcontext/credgate/internal/token"
)

// maxConns caps concurrent client connections. The sandbox side opens one
// connection per store, so this is generous headroom, not a tuning knob.
const maxConns = 32

// Options configures a Server. Store, Locker, Providers, and Scopes are
// required; Keys may be nil when no API keys are served.
type Options struct {
	Store      token.Store
	Keys       token.KeyReader
	Locker     token.Locker
	Providers  *provider.Registry
	Scopes     *config.ScopeSet
	SocketDir  string        // defaults to DefaultSocketDir()
	SessionTTL time.Duration // defaults to login.DefaultTTL
}

// Server is one credential proxy instance. All mutable registries
// (sessions, renewal timers, rate-limit state) hang off the instance, so
// servers never interfere with each other.
type Server struct {
	store token.Store
	keys  token.KeyReader
	scope *config.ScopeSet

	coord    *refresh.Coordinator
	sched    *refresh.Scheduler
	sessions *login.Store

	socketDir  string
	listener   *net.UnixListener
	socketPath string
	slots      *semaphore.Weighted

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	ownUID int
}

// New creates a server from opts. No endpoint exists until Start.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Locker == nil {
		return nil, errors.New("proxy: store and locker are required")
	}
	if opts.Providers == nil {
		opts.Providers = provider.NewRegistry()
	}
	if opts.Scopes == nil {
		return nil, errors.New("proxy: scope allow-list is required")
	}

	coord := refresh.NewCoordinator(opts.Store, opts.Locker, opts.Providers)
	s := &Server{
		store:    opts.Store,
		keys:     opts.Keys,
		scope:    opts.Scopes,
		coord:    coord,
		sched:    refresh.NewScheduler(coord, opts.Store),
		sessions: login.NewStore(opts.Providers, coord, opts.SessionTTL),
		slots:    semaphore.NewWeighted(maxConns),
		conns:    make(map[net.Conn]struct{}),
		ownUID:   os.Getuid(),
	}
	s.socketDir = opts.SocketDir
	return s, nil
}

// Start creates the endpoint (owner-only directory and socket) and begins
// accepting connections. A failure here must abort the whole launch: the
// isolated process cannot be allowed to start without a secured channel.
func (s *Server) Start() error {
	dir := s.socketDir
	if dir == "" {
		dir = DefaultSocketDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone; pin it.
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("restricting socket dir: %w", err)
	}

	path, err := newSocketPath(dir)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("resolving socket address: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("creating socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		os.Remove(path)
		return fmt.Errorf("restricting socket: %w", err)
	}

	s.listener = listener
	s.socketPath = path
	go s.acceptLoop()
	log.Info("credential proxy listening", "socket", path)
	return nil
}

// SocketPath returns the endpoint address. Valid after Start.
func (s *Server) SocketPath() string { return s.socketPath }

// Env returns the environment entry the launcher injects into the
// isolated process.
func (s *Server) Env() string { return EnvSocket + "=" + s.socketPath }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.Warn("accepting connection", "error", err)
			continue
		}

		if !s.slots.TryAcquire(1) {
			log.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.slots.Release(1)
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
				s.slots.Release(1)
				s.wg.Done()
			}()
			s.handleConn(conn)
		}()
	}
}

// Stop shuts the server down: no new connections, a grace period (ctx's
// deadline) for in-flight work, then force-close, endpoint removal, timer
// cancellation, and session teardown.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
	}

	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
	s.sched.Close()
	s.sessions.Close()
	log.Info("credential proxy stopped")
	return nil
}
