package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// EnvSocket is the environment variable carrying the proxy socket path
// into the isolated process.
const EnvSocket = "CREDGATE_SOCKET"

// DefaultSocketDir returns the per-user directory for proxy sockets:
// $XDG_RUNTIME_DIR/credgate when available, else a uid-scoped directory
// under the system temp dir.
func DefaultSocketDir() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "credgate")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("credgate-%d", os.Getuid()))
}

// newSocketPath builds a fresh socket path under dir. The name embeds the
// host pid and a random value so a confined process cannot predict or
// squat the endpoint of another proxy instance.
func newSocketPath(dir string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating socket name: %w", err)
	}
	name := fmt.Sprintf("proxy-%d-%s.sock", os.Getpid(), hex.EncodeToString(b))
	return filepath.Join(dir, name), nil
}
