package provision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcell/agentcell/internal/common/config"
	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/sandbox/ports"
)

// fakeRunner records every host command and answers via respond.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(name string, args []string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(name, args)
	}
	return "", nil
}

// ran reports whether any recorded command line contains all fragments.
func (f *fakeRunner) ran(fragments ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		line := strings.Join(call, " ")
		matched := true
		for _, fragment := range fragments {
			if !strings.Contains(line, fragment) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Enabled:           true,
		UserPrefix:        "agent_",
		WorkspaceBase:     "/srv/agentcell/users",
		PortPoolFloor:     20001,
		PortPoolCeiling:   40000,
		PortBlockSize:     10,
		MemoryMax:         "100M",
		TasksMax:          256,
		CPUQuota:          "100%",
		StorageQuotaBytes: 1 << 30,
		FirewallEnabled:   true,
	}
}

func testProvisioner(cfg config.SandboxConfig, runner *fakeRunner, alloc *ports.Allocator) *Provisioner {
	p := NewProvisioner(cfg, runner, alloc, nil, logger.Default())
	p.supported = func() bool { return true }
	return p
}

func newAllocator(floor, ceiling, size int) *ports.Allocator {
	return ports.NewAllocator(ports.NewMemoryStore(), floor, ceiling, size, nil, logger.Default())
}

func TestEnsureTenantIsolationHappyPath(t *testing.T) {
	runner := &fakeRunner{
		respond: func(name string, args []string) (string, error) {
			if name == "id" {
				return "1501\n", nil
			}
			return "", nil
		},
	}
	p := testProvisioner(testConfig(), runner, newAllocator(20001, 40000, 10))

	report, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, "agent_acme", report.Username)
	assert.True(t, report.Supported)
	assert.False(t, report.Degraded())
	require.NotNil(t, report.Block)
	assert.Equal(t, 20001, report.Block.Start)
	assert.Equal(t, 20010, report.Block.End)

	// Existing user is reused, never recreated.
	assert.False(t, runner.ran("useradd"))

	assert.True(t, runner.ran("mkdir", "-p", "/srv/agentcell/users/userid_acme"))
	assert.True(t, runner.ran("chown", "-R", "agent_acme:agent_acme"))
	assert.True(t, runner.ran("chmod", "700"))
	assert.True(t, runner.ran("systemctl", "set-property", "user-agent_acme.slice", "MemoryMax=100M", "TasksMax=256", "CPUQuota=100%"))
	assert.True(t, runner.ran("bash", "-c", "skuid 1501"))
}

func TestEnsureTenantIsolationCreatesMissingUser(t *testing.T) {
	var idCalls int
	runner := &fakeRunner{}
	runner.respond = func(name string, args []string) (string, error) {
		if name == "id" {
			idCalls++
			if idCalls == 1 {
				return "", fmt.Errorf("no such user")
			}
			return "1501\n", nil
		}
		return "", nil
	}
	p := testProvisioner(testConfig(), runner, newAllocator(20001, 40000, 10))

	report, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, report.Degraded())
	assert.True(t, runner.ran("sudo", "useradd", "-m", "-s", "/bin/bash", "agent_acme"))
}

func TestEnsureTenantIsolationDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	runner := &fakeRunner{}
	p := testProvisioner(cfg, runner, newAllocator(20001, 40000, 10))

	report, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, report.Supported)
	assert.False(t, report.Degraded())
	assert.Empty(t, runner.calls)
}

func TestEnsureTenantIsolationUnsupportedHost(t *testing.T) {
	runner := &fakeRunner{}
	p := testProvisioner(testConfig(), runner, newAllocator(20001, 40000, 10))
	p.supported = func() bool { return false }

	report, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, report.Supported)
	assert.Empty(t, runner.calls)
}

func TestEnsureTenantIsolationDegradesOnStepFailure(t *testing.T) {
	runner := &fakeRunner{
		respond: func(name string, args []string) (string, error) {
			if name == "id" {
				return "1501\n", nil
			}
			if len(args) > 0 && args[0] == "systemctl" {
				return "", fmt.Errorf("dbus unavailable")
			}
			return "", nil
		},
	}
	p := testProvisioner(testConfig(), runner, newAllocator(20001, 40000, 10))

	report, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, report.Degraded())

	// Later steps still ran despite the slice-caps failure.
	require.NotNil(t, report.Block)
	assert.True(t, runner.ran("bash", "-c"))
}

func TestEnsureTenantIsolationPoolExhaustion(t *testing.T) {
	alloc := newAllocator(100, 109, 10)
	_, err := alloc.EnsureAllocation(context.Background(), "occupant")
	require.NoError(t, err)

	runner := &fakeRunner{
		respond: func(name string, args []string) (string, error) {
			if name == "id" {
				return "1501\n", nil
			}
			return "", nil
		},
	}
	p := testProvisioner(testConfig(), runner, alloc)

	report, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, apperrors.IsPoolExhausted(err))
	assert.Nil(t, report.Block)
}

func TestEnsureTenantIsolationIdempotent(t *testing.T) {
	runner := &fakeRunner{
		respond: func(name string, args []string) (string, error) {
			if name == "id" {
				return "1501\n", nil
			}
			return "", nil
		},
	}
	p := testProvisioner(testConfig(), runner, newAllocator(20001, 40000, 10))

	first, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.NoError(t, err)
	second, err := p.EnsureTenantIsolation(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, first.Block.Start, second.Block.Start)
	assert.False(t, second.Degraded())
}

func TestEnsureAgentWorkspace(t *testing.T) {
	runner := &fakeRunner{}
	p := testProvisioner(testConfig(), runner, newAllocator(20001, 40000, 10))

	workdir, err := p.EnsureAgentWorkspace(context.Background(), "acme", "agent1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/agentcell/users/userid_acme/agentid_agent1/work", workdir)
	assert.True(t, runner.ran("sudo", "mkdir", "-p", workdir))
	assert.True(t, runner.ran("chown", "-R", "agent_acme:agent_acme", workdir))
}

func TestBuildFirewallScript(t *testing.T) {
	script := BuildFirewallScript("agent_acme", 1501, ports.Block{Start: 20001, End: 20010})

	assert.Contains(t, script, "nft add table inet agentcell")
	assert.Contains(t, script, "meta skuid 1501 jump tenant_agent_acme")
	assert.Contains(t, script, "ct state established,related accept")
	assert.Contains(t, script, "tcp dport 20001-20010 accept")
	assert.Contains(t, script, "udp sport 20001-20010 accept")
	assert.True(t, strings.HasSuffix(script, "drop"))

	// Re-running flushes the tenant chain instead of stacking rules.
	assert.Contains(t, script, "nft flush chain inet agentcell tenant_agent_acme")
}
