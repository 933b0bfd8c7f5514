package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		name     string
		tenantID string
		want     string
	}{
		{"plain lowercase", "acme", "agent_acme"},
		{"uppercase folded", "AcmeCorp", "agent_acmecorp"},
		{"special characters stripped", "acme-corp_01!", "agent_acmecorp01"},
		{"uuid style", "550e8400-e29b-41d4-a716-446655440000", "agent_550e8400e29b41d4"},
		{"truncated to sixteen", "abcdefghijklmnopqrstuvwxyz", "agent_abcdefghijklmnop"},
		{"empty tenant", "", "agent_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveUsername("agent_", tt.tenantID))
		})
	}
}

func TestDeriveUsernameDeterministic(t *testing.T) {
	a := DeriveUsername("agent_", "Tenant-42")
	b := DeriveUsername("agent_", "tenant_42")
	// Case and punctuation differences fold onto the same identity.
	assert.Equal(t, a, b)
}

func TestSliceName(t *testing.T) {
	assert.Equal(t, "user-agent_acme.slice", SliceName("agent_acme"))
	assert.Equal(t, "/sys/fs/cgroup/user.slice/user-agent_acme.slice", SlicePath("agent_acme"))
}

func TestWorkspaceDir(t *testing.T) {
	got := WorkspaceDir("/srv/agentcell/users", "t1", "a1")
	assert.Equal(t, "/srv/agentcell/users/userid_t1/agentid_a1/work", got)

	assert.Equal(t, "/srv/agentcell/users/userid_t1", TenantRoot("/srv/agentcell/users", "t1"))
}
