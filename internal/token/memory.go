package token

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store, KeyReader, and Locker. It backs tests
// and embedding scenarios where no durable storage is wanted. The zero
// value is not usable; call NewMemoryStore.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[Key]*Token
	keys   map[Key]string
	locks  map[Key]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[Key]*Token),
		keys:   make(map[Key]string),
		locks:  make(map[Key]*sync.Mutex),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[key]
	if !ok {
		return nil, ErrNotFound
	}
	return tok.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key Key, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = tok.Clone()
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// Providers implements Store.
func (s *MemoryStore) Providers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for k := range s.tokens {
		if !seen[k.Provider] {
			seen[k.Provider] = true
			out = append(out, k.Provider)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Buckets implements Store.
func (s *MemoryStore) Buckets(_ context.Context, provider string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.tokens {
		if k.Provider == provider {
			out = append(out, k.Bucket)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SetAPIKey stores an API key for tests and host-side setup.
func (s *MemoryStore) SetAPIKey(key Key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = value
}

// APIKey implements KeyReader.
func (s *MemoryStore) APIKey(_ context.Context, key Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.keys[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// APIKeys implements KeyReader.
func (s *MemoryStore) APIKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out, nil
}

// Acquire implements Locker with per-key in-process mutexes. Cross-process
// exclusion is not provided; a single test process is the intended scope.
func (s *MemoryStore) Acquire(ctx context.Context, key Key) (UnlockFunc, error) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return l.Unlock, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			l.Unlock()
		}()
		return nil, ctx.Err()
	}
}
