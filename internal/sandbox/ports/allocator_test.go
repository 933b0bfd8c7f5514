package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/events"
	"github.com/agentcell/agentcell/internal/events/bus"
)

func testAllocator(t *testing.T, floor, ceiling, size int) *Allocator {
	t.Helper()
	return NewAllocator(NewMemoryStore(), floor, ceiling, size, nil, logger.Default())
}

func TestEnsureAllocationSequential(t *testing.T) {
	a := testAllocator(t, 20001, 40000, 10)
	ctx := context.Background()

	b1, err := a.EnsureAllocation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20001, b1.Start)
	assert.Equal(t, 20010, b1.End)

	b2, err := a.EnsureAllocation(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 20011, b2.Start)
	assert.Equal(t, 20020, b2.End)
}

func TestEnsureAllocationIdempotent(t *testing.T) {
	a := testAllocator(t, 20001, 40000, 10)
	ctx := context.Background()

	first, err := a.EnsureAllocation(ctx, "u1")
	require.NoError(t, err)

	again, err := a.EnsureAllocation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Start, again.Start)
	assert.Equal(t, first.End, again.End)
}

func TestEnsureAllocationExhaustion(t *testing.T) {
	// Room for exactly two blocks.
	a := testAllocator(t, 100, 119, 10)
	ctx := context.Background()

	_, err := a.EnsureAllocation(ctx, "u1")
	require.NoError(t, err)
	_, err = a.EnsureAllocation(ctx, "u2")
	require.NoError(t, err)

	_, err = a.EnsureAllocation(ctx, "u3")
	require.Error(t, err)
	assert.True(t, apperrors.IsPoolExhausted(err))

	// Existing tenants keep their blocks after exhaustion.
	b1, err := a.EnsureAllocation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, b1.Start)
}

func TestEnsureAllocationConcurrent(t *testing.T) {
	a := testAllocator(t, 20001, 40000, 10)
	ctx := context.Background()

	tenants := []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"}
	results := make([]*Block, len(tenants))

	var wg sync.WaitGroup
	for i, tenant := range tenants {
		wg.Add(1)
		go func(i int, tenant string) {
			defer wg.Done()
			block, err := a.EnsureAllocation(ctx, tenant)
			require.NoError(t, err)
			results[i] = block
		}(i, tenant)
	}
	wg.Wait()

	// No two tenants may share any port.
	seen := make(map[int]string)
	for i, block := range results {
		require.NotNil(t, block)
		assert.Equal(t, 10, block.End-block.Start+1)
		for p := block.Start; p <= block.End; p++ {
			if owner, ok := seen[p]; ok {
				t.Fatalf("port %d assigned to both %s and %s", p, owner, tenants[i])
			}
			seen[p] = tenants[i]
		}
	}
}

func TestEnsureAllocationPublishesEvent(t *testing.T) {
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	a := NewAllocator(NewMemoryStore(), 20001, 40000, 10, eventBus, log)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.PortsAllocated, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	_, err = a.EnsureAllocation(ctx, "acme")
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, "acme", e.Data["tenant_id"])
		assert.Equal(t, 20001, e.Data["port_start"])
		assert.Equal(t, 20010, e.Data["port_end"])
	case <-time.After(2 * time.Second):
		t.Fatal("allocation event not published")
	}

	// Returning an existing block is not an allocation.
	_, err = a.EnsureAllocation(ctx, "acme")
	require.NoError(t, err)
	select {
	case <-received:
		t.Fatal("unexpected event for an existing block")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBlockContains(t *testing.T) {
	b := Block{Start: 20001, End: 20010}
	assert.True(t, b.Contains(20001))
	assert.True(t, b.Contains(20010))
	assert.False(t, b.Contains(20000))
	assert.False(t, b.Contains(20011))
}
