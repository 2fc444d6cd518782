package keystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type legacyKey struct {
	recipient string
	sealed    []byte
}

// MemoryStore is a Store kept in process memory. Values are copied on the
// way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	public   map[string][]byte
	private  map[string][]byte
	shares   map[string]map[string][]byte
	legacy   map[string]legacyKey
	versions map[string]int
	recovery map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		public:   make(map[string][]byte),
		private:  make(map[string][]byte),
		shares:   make(map[string]map[string][]byte),
		legacy:   make(map[string]legacyKey),
		versions: make(map[string]int),
		recovery: make(map[string]bool),
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func (s *MemoryStore) PublicKey(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.public[id]
	if !ok {
		return nil, fmt.Errorf("public key %q: %w", id, ErrNotFound)
	}
	return clone(v), nil
}

func (s *MemoryStore) SetPublicKey(ctx context.Context, id string, pem []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.public[id] = clone(pem)
	return nil
}

func (s *MemoryStore) PrivateKey(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.private[id]
	if !ok {
		return nil, fmt.Errorf("private key %q: %w", id, ErrNotFound)
	}
	return clone(v), nil
}

func (s *MemoryStore) SetPrivateKey(ctx context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private[id] = clone(blob)
	return nil
}

func (s *MemoryStore) ShareKey(ctx context.Context, path, recipient string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.shares[path][recipient]
	if !ok {
		return nil, fmt.Errorf("share key %q for %q: %w", path, recipient, ErrNotFound)
	}
	return clone(v), nil
}

func (s *MemoryStore) SetShareKey(ctx context.Context, path, recipient string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shares[path] == nil {
		s.shares[path] = make(map[string][]byte)
	}
	s.shares[path][recipient] = clone(sealed)
	return nil
}

func (s *MemoryStore) ShareKeyRecipients(ctx context.Context, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.shares[path]))
	for r := range s.shares[path] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) DeleteShareKeys(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, path)
	return nil
}

func (s *MemoryStore) LegacyFileKey(ctx context.Context, path string) (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.legacy[path]
	if !ok {
		return "", nil, fmt.Errorf("legacy file key %q: %w", path, ErrNotFound)
	}
	return k.recipient, clone(k.sealed), nil
}

func (s *MemoryStore) SetLegacyFileKey(ctx context.Context, path, recipient string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy[path] = legacyKey{recipient: recipient, sealed: clone(sealed)}
	return nil
}

func (s *MemoryStore) DeleteLegacyFileKey(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.legacy[path]
	delete(s.legacy, path)
	return ok, nil
}

func (s *MemoryStore) Version(ctx context.Context, path string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[path], nil
}

func (s *MemoryStore) SetVersion(ctx context.Context, path string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[path] = version
	return nil
}

func (s *MemoryStore) RecoveryEnabled(ctx context.Context, user string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recovery[user], nil
}

func (s *MemoryStore) SetRecoveryEnabled(ctx context.Context, user string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovery[user] = enabled
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
