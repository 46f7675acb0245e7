package auth

import (
	"sync"
	"time"
)

// CredentialPair is the access/refresh token combination held by a client.
type CredentialPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}

// Empty reports whether no credential is held.
func (p CredentialPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// CredentialStore is the single owner of a client's current credential pair.
// Only login, logout and the TokenGuard refresh protocol write to it.
type CredentialStore struct {
	mu   sync.RWMutex
	pair CredentialPair
}

// NewCredentialStore returns a store seeded with pair.
func NewCredentialStore(pair CredentialPair) *CredentialStore {
	return &CredentialStore{pair: pair}
}

// Get returns a copy of the current pair.
func (s *CredentialStore) Get() CredentialPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// AccessToken returns the current access token.
func (s *CredentialStore) AccessToken() string {
	return s.Get().AccessToken
}

// Set replaces the current pair.
func (s *CredentialStore) Set(pair CredentialPair) {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
}

// Clear drops all credentials.
func (s *CredentialStore) Clear() {
	s.Set(CredentialPair{})
}
