package keystore

import (
	"crypto/rsa"
	"sync"
)

// Session holds unlocked private keys by recipient id.
type Session struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{keys: make(map[string]*rsa.PrivateKey)}
}

// Set stores the unlocked key of id.
func (s *Session) Set(id string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = key
}

// Get returns the unlocked key of id.
func (s *Session) Get(id string) (*rsa.PrivateKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k, ok
}

// Remove forgets the key of id.
func (s *Session) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
}

// Unlocked lists the ids with an unlocked key.
func (s *Session) Unlocked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for id := range s.keys {
		out = append(out, id)
	}
	return out
}
