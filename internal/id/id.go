// Package id provides unique identifier generation for credgate resources.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Generate creates a unique identifier with the given prefix.
// Format: <prefix>_<8 hex chars> (e.g., "sess_abc12345").
// Uses 4 cryptographically random bytes encoded as 8 hex characters.
func Generate(prefix string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails (extremely unlikely)
		return prefix + "_" + hex.EncodeToString([]byte(time.Now().Format("150405.0")))[:8]
	}
	return prefix + "_" + hex.EncodeToString(b)
}

// NewSessionID returns a 128-bit random identifier for a login session,
// encoded as 32 hex characters. Session ids gate access to in-flight
// authorization state, so they carry more entropy than resource ids.
func NewSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform RNG is broken; a session
		// id must never be guessable, so there is no fallback here.
		panic("id: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}
