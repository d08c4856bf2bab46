//go:build linux

package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/credgate/internal/login"
)

// peerIdentity reads the connecting process's credentials via
// SO_PEERCRED. On Linux the kernel vouches for the uid, so TrustUID is
// set and uid mismatches are hard rejections upstream. The pid is
// best-effort: across a pid namespace boundary it may not correlate with
// anything the server can name.
func peerIdentity(conn *net.UnixConn) (login.Peer, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return login.Peer{}, fmt.Errorf("accessing socket: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return login.Peer{}, fmt.Errorf("reading peer credentials: %w", err)
	}
	if credErr != nil {
		return login.Peer{}, fmt.Errorf("reading peer credentials: %w", credErr)
	}

	return login.Peer{
		UID:      int(cred.Uid),
		PID:      int(cred.Pid),
		TrustUID: true,
	}, nil
}
