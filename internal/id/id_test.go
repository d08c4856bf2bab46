package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	got := Generate("sess")
	if !strings.HasPrefix(got, "sess_") {
		t.Errorf("Generate() = %q, want sess_ prefix", got)
	}
	if len(got) != len("sess_")+8 {
		t.Errorf("Generate() = %q, want 8 hex chars after prefix", got)
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		got := Generate("req")
		if seen[got] {
			t.Fatalf("Generate() repeated %q", got)
		}
		seen[got] = true
	}
}

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if len(a) != 32 {
		t.Errorf("NewSessionID() = %q, want 32 hex chars", a)
	}
	if a == b {
		t.Error("NewSessionID() repeated")
	}
	for _, r := range a {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Errorf("NewSessionID() = %q, non-hex rune %q", a, r)
		}
	}
}
