// Package ports assigns each tenant a fixed block of network ports from a
// shared pool. Blocks are allocated monotonically and never reused, so no
// two tenants can ever share a port even after churn.
package ports

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/events"
	"github.com/agentcell/agentcell/internal/events/bus"
)

// Block is the inclusive [Start, End] port range owned by one tenant.
type Block struct {
	TenantID string `json:"tenant_id"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Contains reports whether the block covers the given port.
func (b Block) Contains(port int) bool {
	return port >= b.Start && port <= b.End
}

// Store persists port blocks. AllocateNext must be atomic under concurrent
// callers: it computes the next free block start as max(existing end)+1
// (or the pool floor) and inserts it while holding an exclusive lock, so a
// race between two first-time tenants can never produce the same start.
type Store interface {
	// GetBlock returns the tenant's block if one was ever allocated.
	GetBlock(ctx context.Context, tenantID string) (*Block, bool, error)

	// AllocateNext assigns the next monotonic block of the given size.
	// Returns the existing block unchanged if the tenant already has one.
	// Returns a POOL_EXHAUSTED error if the new block would cross ceiling.
	AllocateNext(ctx context.Context, tenantID string, floor, ceiling, size int) (*Block, error)
}

// Allocator hands out per-tenant port blocks from the configured pool.
type Allocator struct {
	store    Store
	floor    int
	ceiling  int
	size     int
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewAllocator creates an allocator over the given store and pool bounds.
// eventBus may be nil to skip allocation events.
func NewAllocator(store Store, floor, ceiling, size int, eventBus bus.EventBus, log *logger.Logger) *Allocator {
	return &Allocator{
		store:    store,
		floor:    floor,
		ceiling:  ceiling,
		size:     size,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "port-allocator")),
	}
}

// EnsureAllocation returns the tenant's port block, allocating one on first
// use. The fast path is a plain read; the exclusive lock is only taken when
// a new block has to be assigned.
func (a *Allocator) EnsureAllocation(ctx context.Context, tenantID string) (*Block, error) {
	block, found, err := a.store.GetBlock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if found {
		return block, nil
	}

	block, err = a.store.AllocateNext(ctx, tenantID, a.floor, a.ceiling, a.size)
	if err != nil {
		return nil, err
	}

	a.logger.Info("allocated port block",
		zap.String("tenant_id", tenantID),
		zap.Int("start", block.Start),
		zap.Int("end", block.End))
	a.publishAllocated(ctx, block)

	return block, nil
}

// publishAllocated announces a freshly assigned block on the event bus.
func (a *Allocator) publishAllocated(ctx context.Context, block *Block) {
	if a.eventBus == nil {
		return
	}

	event := bus.NewEvent(events.PortsAllocated, "sandbox-manager", map[string]interface{}{
		"tenant_id":  block.TenantID,
		"port_start": block.Start,
		"port_end":   block.End,
	})
	if err := a.eventBus.Publish(ctx, events.PortsAllocated, event); err != nil {
		a.logger.Error("failed to publish allocation event",
			zap.String("tenant_id", block.TenantID),
			zap.Error(err))
	}
}

// BlockSize returns the configured block size.
func (a *Allocator) BlockSize() int {
	return a.size
}
