// Package keyring provides secure storage for the store encryption key.
//
// The system keychain (macOS Keychain, Windows Credential Manager,
// libsecret on Linux) is tried first. Headless hosts without a keychain
// fall back to a 0600 file under the credgate config directory. Key
// creation is serialized across processes with a file lock so concurrent
// first runs agree on one key.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/majorcontext/credgate/internal/log"
)

const (
	// ServiceName is the keyring service identifier. Override with
	// CREDGATE_KEYRING_SERVICE for test isolation.
	ServiceName = "credgate"
	// AccountName is the keyring account identifier.
	AccountName = "store-key"
	// KeySize is the encryption key size in bytes (AES-256).
	KeySize = 32
)

func serviceName() string {
	if name := os.Getenv("CREDGATE_KEYRING_SERVICE"); name != "" {
		return name
	}
	return ServiceName
}

// ErrInsecurePermissions is returned when the fallback key file is
// readable by anyone but its owner.
var ErrInsecurePermissions = errors.New("key file has insecure permissions")

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// GetOrCreate returns the store encryption key, generating and persisting
// one if none exists. dir is the credgate config directory used for the
// file fallback and the creation lock.
func GetOrCreate(dir string) ([]byte, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	lockPath := filepath.Join(dir, "key.lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating key lock file: %w", err)
	}
	defer lf.Close()

	unlock, err := lockFile(lf)
	if err != nil {
		return nil, fmt.Errorf("acquiring key lock: %w", err)
	}
	defer unlock()

	filePath := filepath.Join(dir, "store.key")

	// Existing key wins, wherever it lives.
	if encoded, err := keyring.Get(serviceName(), AccountName); err == nil {
		return decodeKey(encoded)
	}
	if key, err := readKeyFile(filePath); err == nil {
		return key, nil
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	if err := keyring.Set(serviceName(), AccountName, encodeKey(key)); err == nil {
		return key, nil
	}

	log.Info("system keychain unavailable, using file-based key storage", "path", filePath)
	if err := os.WriteFile(filePath, []byte(encodeKey(key)), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

// Delete removes the encryption key from all backends. Used by host-side
// reset flows and tests.
func Delete(dir string) error {
	keychainErr := keyring.Delete(serviceName(), AccountName)
	fileErr := os.Remove(filepath.Join(dir, "store.key"))
	if fileErr != nil && os.IsNotExist(fileErr) {
		fileErr = nil
	}
	if keychainErr != nil && fileErr != nil {
		return fmt.Errorf("deleting key: %w", errors.Join(keychainErr, fileErr))
	}
	return nil
}

func readKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has permissions %04o (expected 0600)", ErrInsecurePermissions, path, perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeKey(strings.TrimSpace(string(data)))
}
