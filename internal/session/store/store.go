// Package store persists conversation resume tokens so a session can be
// recreated after its runtime process is reaped or restarted.
package store

import (
	"context"
	"sync"
)

// TokenStore keeps the latest resume token per session.
type TokenStore interface {
	// Get returns the session's resume token, if one is stored.
	Get(ctx context.Context, sessionID string) (string, bool, error)

	// Set stores or replaces the session's resume token.
	Set(ctx context.Context, sessionID, tenantID, token string) error

	// Clear removes the session's resume token.
	Clear(ctx context.Context, sessionID string) error

	// ClearTenant removes every token belonging to the tenant.
	ClearTenant(ctx context.Context, tenantID string) error
}

// MemoryStore is an in-memory TokenStore for tests and dev mode.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]tokenRecord
}

type tokenRecord struct {
	tenantID string
	token    string
}

// Ensure MemoryStore implements TokenStore
var _ TokenStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]tokenRecord)}
}

// Get returns the session's resume token, if one is stored.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[sessionID]
	return rec.token, ok, nil
}

// Set stores or replaces the session's resume token.
func (s *MemoryStore) Set(ctx context.Context, sessionID, tenantID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sessionID] = tokenRecord{tenantID: tenantID, token: token}
	return nil
}

// Clear removes the session's resume token.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sessionID)
	return nil
}

// ClearTenant removes every token belonging to the tenant.
func (s *MemoryStore) ClearTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.tokens {
		if rec.tenantID == tenantID {
			delete(s.tokens, id)
		}
	}
	return nil
}
