package cmdwrap

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcell/agentcell/internal/sandbox/identity"
)

func testIdentity() *identity.Identity {
	return &identity.Identity{
		TenantID: "acme",
		Username: "agent_acme",
		UID:      1501,
		GID:      1501,
	}
}

func TestWrapStructure(t *testing.T) {
	id := testIdentity()
	workdir := "/srv/agentcell/users/userid_acme/agentid_a1/work"

	cmd := Wrap("npm test", id, workdir)

	assert.True(t, strings.HasPrefix(cmd, "sudo chown -R agent_acme:agent_acme '"+workdir+"' && "))
	assert.Contains(t, cmd, "sudo systemd-run --scope")
	assert.Contains(t, cmd, "--slice=user-agent_acme.slice")
	assert.Contains(t, cmd, "--unit=job-agent_acme-")
	assert.Contains(t, cmd, "--working-directory='"+workdir+"'")
	assert.Contains(t, cmd, "--uid=1501")
	assert.Contains(t, cmd, "--gid=1501")
	assert.Contains(t, cmd, "--quiet bash -lc 'npm test'")
}

func TestWrapQuotesRawCommand(t *testing.T) {
	id := testIdentity()
	cmd := Wrap(`echo 'it works'`, id, "/work")

	// The embedded single quotes must be escaped, not closed.
	assert.Contains(t, cmd, `bash -lc 'echo '\''it works'\'''`)
}

func TestWrapUnitNamesUnique(t *testing.T) {
	id := testIdentity()
	a := Wrap("ls", id, "/work")
	b := Wrap("ls", id, "/work")
	assert.NotEqual(t, a, b)
}

func TestIsWrappedRoundTrip(t *testing.T) {
	id := testIdentity()
	workdir := "/srv/agentcell/users/userid_acme/agentid_a1/work"

	cmd := Wrap("make build", id, workdir)
	assert.True(t, IsWrapped(cmd, id, workdir))
}

func TestIsWrappedRejectsSpoofing(t *testing.T) {
	id := testIdentity()
	workdir := "/work"
	wrapped := Wrap("ls", id, workdir)

	other := &identity.Identity{TenantID: "evil", Username: "agent_evil", UID: 1700, GID: 1700}

	tests := []struct {
		name    string
		cmd     string
		id      *identity.Identity
		workdir string
	}{
		{"plain command", "ls -la", id, workdir},
		{"mentions systemd-run only", "echo systemd-run --scope", id, workdir},
		{"wrapped for another identity", wrapped, other, workdir},
		{"wrapped for another workdir", wrapped, id, "/elsewhere"},
		{"missing scope flag", strings.Replace(wrapped, "--scope ", "", 1), id, workdir},
		{"wrong unit prefix", strings.Replace(wrapped, "--unit=job-agent_acme-", "--unit=task-agent_acme-", 1), id, workdir},
		{"no login shell", strings.Replace(wrapped, "bash -lc", "sh -c", 1), id, workdir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, IsWrapped(tt.cmd, tt.id, tt.workdir))
		})
	}
}

func TestWrapIsNotDoubleWrapped(t *testing.T) {
	id := testIdentity()
	workdir := "/work"

	once := Wrap("npm start", id, workdir)
	require.True(t, IsWrapped(once, id, workdir))

	// The permission hook checks IsWrapped before wrapping; a command that
	// already passed must not be transformed again.
	c := NewChecker(true, "http://localhost", 0, nil, testLogger())
	decision := c.CheckPermission(context.Background(), "Bash", map[string]interface{}{"command": once}, id, workdir)
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.UpdatedInput)
}
