package proxy

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/majorcontext/credgate/internal/log"
	"github.com/majorcontext/credgate/internal/login"
	"github.com/majorcontext/credgate/internal/wire"
)

// Per-connection request budget: sustained rate and burst. Exceeding it
// yields rate-limited responses, never a dropped connection.
const (
	requestsPerSecond = 2
	requestBurst      = 30
)

// requestTimeout bounds one dispatched operation, including provider
// network calls made on its behalf.
const requestTimeout = 60 * time.Second

// connState is the per-connection context threaded through dispatch.
type connState struct {
	peer    login.Peer
	limiter *rate.Limiter
}

// checkRate applies the connection's global request budget. It returns a
// typed rate-limited error carrying the wait until the next slot.
func (cs *connState) checkRate() *wire.Error {
	r := cs.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		werr := wire.Errorf(wire.CodeRateLimited, "request rate exceeded")
		werr.RetryAfterSeconds = int(math.Ceil(delay.Seconds()))
		return werr
	}
	return nil
}

// handleConn drives one client connection: peer verification, the version
// handshake, then a strict request/response loop. The server never sends
// an unsolicited message. Any protocol violation closes the connection.
func (s *Server) handleConn(conn *net.UnixConn) {
	peer, err := peerIdentity(conn)
	if err != nil {
		log.Warn("peer identity unavailable", "error", err)
	}
	if peer.TrustUID && peer.UID != s.ownUID {
		// The platform vouched for the uid and it is not ours: hard
		// rejection. Endpoint permissions should have prevented this.
		log.Error("rejecting connection from foreign uid", "uid", peer.UID, "pid", peer.PID)
		return
	}
	if !peer.TrustUID {
		log.Debug("no trustworthy peer identity on this platform; relying on endpoint permissions")
	}

	var hello wire.Hello
	if err := wire.ReadMessage(conn, &hello); err != nil {
		log.Debug("handshake read failed", "error", err)
		return
	}
	if hello.MinVersion > wire.Version || hello.MaxVersion < wire.Version {
		reply := wire.HelloReply{Error: wire.Errorf(wire.CodeUnsupportedVersion,
			"server speaks version %d, client offered %d-%d", wire.Version, hello.MinVersion, hello.MaxVersion)}
		if err := wire.WriteMessage(conn, reply); err != nil {
			log.Debug("handshake reply failed", "error", err)
		}
		return
	}
	if err := wire.WriteMessage(conn, wire.HelloReply{Version: wire.Version}); err != nil {
		log.Debug("handshake reply failed", "error", err)
		return
	}

	cs := &connState{
		peer:    peer,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
	}

	for {
		var req wire.Request
		if err := wire.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("closing connection", "error", err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp := s.dispatch(ctx, cs, &req)
		cancel()

		if err := wire.WriteMessage(conn, resp); err != nil {
			log.Debug("writing response failed", "error", err)
			return
		}
	}
}
