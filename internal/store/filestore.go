// Package store is the bundled durable credential store: AES-256-GCM
// encrypted per-slot files plus a cross-process advisory lock with stale
// expiry. The proxy core consumes only the interfaces in internal/token;
// this package is the default collaborator wired up by cmd/credgate.
package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/majorcontext/credgate/internal/token"
)

const (
	tokenSuffix = ".token.enc"
	keySuffix   = ".key.enc"
)

// FileStore implements token.Store and token.KeyReader using encrypted
// files, one per credential slot.
type FileStore struct {
	dir    string
	cipher cipher.AEAD
}

// NewFileStore creates a file-based credential store rooted at dir.
// key must be 32 bytes for AES-256.
func NewFileStore(dir string, key []byte) (*FileStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credential dir: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &FileStore{dir: dir, cipher: gcm}, nil
}

// slotName encodes a key into a filesystem-safe stem. Both parts are
// escaped so separators in provider or bucket names cannot collide.
func slotName(key token.Key) string {
	return url.QueryEscape(key.Provider) + "__" + url.QueryEscape(key.Bucket)
}

func parseSlotName(stem string) (token.Key, bool) {
	provider, bucket, found := strings.Cut(stem, "__")
	if !found {
		return token.Key{}, false
	}
	p, err1 := url.QueryUnescape(provider)
	b, err2 := url.QueryUnescape(bucket)
	if err1 != nil || err2 != nil {
		return token.Key{}, false
	}
	return token.Key{Provider: p, Bucket: b}, true
}

func (s *FileStore) tokenPath(key token.Key) string {
	return filepath.Join(s.dir, slotName(key)+tokenSuffix)
}

func (s *FileStore) keyPath(key token.Key) string {
	return filepath.Join(s.dir, slotName(key)+keySuffix)
}

func (s *FileStore) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.cipher.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.cipher.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *FileStore) open(encrypted []byte) ([]byte, error) {
	nonceSize := s.cipher.NonceSize()
	if len(encrypted) < nonceSize {
		return nil, fmt.Errorf("invalid credential file")
	}
	nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]
	data, err := s.cipher.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential: %w (the encryption key may have changed)", err)
	}
	return data, nil
}

// Get implements token.Store.
func (s *FileStore) Get(_ context.Context, key token.Key) (*token.Token, error) {
	encrypted, err := os.ReadFile(s.tokenPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, token.ErrNotFound
		}
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	data, err := s.open(encrypted)
	if err != nil {
		return nil, err
	}
	var tok token.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("unmarshaling credential: %w", err)
	}
	return &tok, nil
}

// Save implements token.Store.
func (s *FileStore) Save(_ context.Context, key token.Key, tok *token.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}
	encrypted, err := s.seal(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.tokenPath(key), encrypted, 0o600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return nil
}

// Remove implements token.Store. Removing an absent slot succeeds.
func (s *FileStore) Remove(_ context.Context, key token.Key) error {
	if err := os.Remove(s.tokenPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

func (s *FileStore) slots(suffix string) ([]token.Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading credential dir: %w", err)
	}
	var keys []token.Key
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		if key, ok := parseSlotName(strings.TrimSuffix(name, suffix)); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Providers implements token.Store.
func (s *FileStore) Providers(_ context.Context) ([]string, error) {
	keys, err := s.slots(tokenSuffix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		if !seen[k.Provider] {
			seen[k.Provider] = true
			out = append(out, k.Provider)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Buckets implements token.Store.
func (s *FileStore) Buckets(_ context.Context, provider string) ([]string, error) {
	keys, err := s.slots(tokenSuffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if k.Provider == provider {
			out = append(out, k.Bucket)
		}
	}
	sort.Strings(out)
	return out, nil
}

// APIKey implements token.KeyReader.
func (s *FileStore) APIKey(_ context.Context, key token.Key) (string, error) {
	encrypted, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", token.ErrNotFound
		}
		return "", fmt.Errorf("reading key file: %w", err)
	}
	data, err := s.open(encrypted)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// APIKeys implements token.KeyReader.
func (s *FileStore) APIKeys(_ context.Context) ([]string, error) {
	keys, err := s.slots(keySuffix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out, nil
}

// SetAPIKey stores an API key. Host-side management only; the proxy never
// exposes key writes over the wire.
func (s *FileStore) SetAPIKey(key token.Key, value string) error {
	encrypted, err := s.seal([]byte(value))
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.keyPath(key), encrypted, 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// RemoveAPIKey deletes a stored API key. Removing an absent key succeeds.
func (s *FileStore) RemoveAPIKey(key token.Key) error {
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key: %w", err)
	}
	return nil
}
