package ports

import (
	"context"
	"sync"

	apperrors "github.com/agentcell/agentcell/internal/common/errors"
)

// MemoryStore is an in-memory Store for tests and ephemeral dev runs.
type MemoryStore struct {
	mu     sync.Mutex
	blocks map[string]*Block
	maxEnd int
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks: make(map[string]*Block),
	}
}

// GetBlock returns the tenant's block if one was ever allocated.
func (s *MemoryStore) GetBlock(ctx context.Context, tenantID string) (*Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[tenantID]
	if !ok {
		return nil, false, nil
	}
	copy := *block
	return &copy, true, nil
}

// AllocateNext assigns the next monotonic block under the store mutex.
func (s *MemoryStore) AllocateNext(ctx context.Context, tenantID string, floor, ceiling, size int) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block, ok := s.blocks[tenantID]; ok {
		copy := *block
		return &copy, nil
	}

	start := floor
	if s.maxEnd >= floor {
		start = s.maxEnd + 1
	}
	end := start + size - 1
	if end > ceiling {
		return nil, apperrors.PoolExhausted(ceiling)
	}

	block := &Block{TenantID: tenantID, Start: start, End: end}
	s.blocks[tenantID] = block
	s.maxEnd = end

	copy := *block
	return &copy, nil
}
