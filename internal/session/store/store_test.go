package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, found, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "s1", "acme", "token-1"))

	token, found, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "token-1", token)

	// Set replaces.
	require.NoError(t, s.Set(ctx, "s1", "acme", "token-2"))
	token, _, _ = s.Get(ctx, "s1")
	assert.Equal(t, "token-2", token)

	require.NoError(t, s.Clear(ctx, "s1"))
	_, found, _ = s.Get(ctx, "s1")
	assert.False(t, found)

	// Clearing a missing session is not an error.
	require.NoError(t, s.Clear(ctx, "s1"))
}

func TestMemoryStoreClearTenant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "s1", "acme", "t1"))
	require.NoError(t, s.Set(ctx, "s2", "acme", "t2"))
	require.NoError(t, s.Set(ctx, "s3", "other", "t3"))

	require.NoError(t, s.ClearTenant(ctx, "acme"))

	_, found, _ := s.Get(ctx, "s1")
	assert.False(t, found)
	_, found, _ = s.Get(ctx, "s2")
	assert.False(t, found)

	token, found, _ := s.Get(ctx, "s3")
	require.True(t, found)
	assert.Equal(t, "t3", token)
}
