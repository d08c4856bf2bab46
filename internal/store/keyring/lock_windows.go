//go:build windows

package keyring

import "os"

// lockFile on Windows is a no-op since Windows has different locking
// semantics. The file-based key storage still works, but without
// protection against concurrent first-time key generation. Windows
// Credential Manager is the primary backend there; the file fallback is
// mainly for headless environments.
func lockFile(_ *os.File) (unlock func(), err error) {
	return func() {}, nil
}
