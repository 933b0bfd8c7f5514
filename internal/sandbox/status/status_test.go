package status

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcell/agentcell/internal/common/config"
	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
)

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

func testCollector(runner *fakeRunner, files map[string]string) *Collector {
	cfg := config.SandboxConfig{
		UserPrefix:        "agent_",
		WorkspaceBase:     "/srv/agentcell/users",
		StorageQuotaBytes: 1 << 30,
	}
	c := NewCollector(cfg, runner, logger.Default())
	c.readFile = func(path string) ([]byte, error) {
		if data, ok := files[path]; ok {
			return []byte(data), nil
		}
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	return c
}

func TestGetResourceStatus(t *testing.T) {
	slice := "/sys/fs/cgroup/user.slice/user-agent_acme.slice"
	files := map[string]string{
		filepath.Join(slice, "memory.current"): "52428800\n",
		filepath.Join(slice, "memory.max"):     "104857600\n",
		filepath.Join(slice, "pids.current"):   "17\n",
		filepath.Join(slice, "pids.max"):       "256\n",
		filepath.Join(slice, "cpu.stat"):       "usage_usec 123456\nuser_usec 100000\nsystem_usec 23456\n",
		filepath.Join(slice, "job-agent_acme-1-abc123.scope", "cgroup.procs"): "4242\n",
	}

	runner := &fakeRunner{
		respond: func(name string, args []string) (string, error) {
			line := name + " " + strings.Join(args, " ")
			switch {
			case strings.HasPrefix(line, "sudo du -sb"):
				return "734003200\t/srv/agentcell/users/userid_acme\n", nil
			case strings.Contains(line, "list-units"):
				return "job-agent_acme-1-abc123.scope loaded active running Console command\n", nil
			case strings.Contains(line, "ss -lntpH"):
				return `LISTEN 0 128 0.0.0.0:20003 0.0.0.0:* users:(("node",pid=4242,fd=23))` + "\n", nil
			case strings.Contains(line, "ss -lunpH"):
				return "", nil
			}
			return "", nil
		},
	}

	c := testCollector(runner, files)
	st, err := c.GetResourceStatus(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, "agent_acme", st.Username)
	assert.Equal(t, int64(52428800), st.Memory.CurrentBytes)
	assert.Equal(t, int64(104857600), st.Memory.MaxBytes)
	assert.Equal(t, int64(17), st.Tasks.Current)
	assert.Equal(t, int64(256), st.Tasks.Max)
	assert.Equal(t, int64(123456), st.CPUUsageUsec)
	assert.Equal(t, int64(734003200), st.DiskUsageBytes)
	assert.Equal(t, int64(1)<<30, st.QuotaBytes)

	require.Len(t, st.Jobs, 1)
	assert.Equal(t, "job-agent_acme-1-abc123.scope", st.Jobs[0].Unit)
	assert.Equal(t, "active", st.Jobs[0].Active)
	assert.Equal(t, []int{20003}, st.Jobs[0].Ports)
}

func TestGetResourceStatusProbesFailSoft(t *testing.T) {
	runner := &fakeRunner{
		respond: func(name string, args []string) (string, error) {
			return "", fmt.Errorf("command failed")
		},
	}
	c := testCollector(runner, nil)

	st, err := c.GetResourceStatus(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, st.Memory.CurrentBytes)
	assert.Zero(t, st.DiskUsageBytes)
	assert.Empty(t, st.Jobs)
}

func TestUnlimitedCgroupLimits(t *testing.T) {
	slice := "/sys/fs/cgroup/user.slice/user-agent_acme.slice"
	files := map[string]string{
		filepath.Join(slice, "memory.max"): "max\n",
		filepath.Join(slice, "pids.max"):   "max\n",
	}
	runner := &fakeRunner{respond: func(name string, args []string) (string, error) {
		return "", fmt.Errorf("not needed")
	}}
	c := testCollector(runner, files)

	st, err := c.GetResourceStatus(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), st.Memory.MaxBytes)
	assert.Equal(t, int64(-1), st.Tasks.Max)
}

func TestKillJob(t *testing.T) {
	runner := &fakeRunner{}
	c := testCollector(runner, nil)

	err := c.KillJob(context.Background(), "acme", "job-agent_acme-17-ab12cd.scope")
	require.NoError(t, err)

	runner.mu.Lock()
	last := runner.calls[len(runner.calls)-1]
	runner.mu.Unlock()
	assert.Equal(t, []string{"sudo", "systemctl", "stop", "job-agent_acme-17-ab12cd.scope"}, last)
}

func TestKillJobRejectsForeignUnit(t *testing.T) {
	runner := &fakeRunner{}
	c := testCollector(runner, nil)

	tests := []string{
		"job-agent_other-17-ab12cd.scope",
		"sshd.service",
		"job-agent_acme.scope", // missing trailing dash segment
	}
	for _, unit := range tests {
		err := c.KillJob(context.Background(), "acme", unit)
		require.Error(t, err, unit)
		assert.True(t, apperrors.IsPermissionDenied(err), unit)
	}
	assert.Empty(t, runner.calls)
}

func TestParseDuOutput(t *testing.T) {
	n, err := ParseDuOutput("734003200\t/srv/agentcell/users/userid_acme\n")
	require.NoError(t, err)
	assert.Equal(t, int64(734003200), n)

	_, err = ParseDuOutput("")
	assert.Error(t, err)
}

func TestParseCPUStat(t *testing.T) {
	assert.Equal(t, int64(123456), ParseCPUStat("usage_usec 123456\nuser_usec 1\n"))
	assert.Zero(t, ParseCPUStat("user_usec 1\n"))
	assert.Zero(t, ParseCPUStat(""))
}

func TestParseListUnits(t *testing.T) {
	out := "job-agent_acme-1-aaa111.scope loaded active running Console command\n" +
		"job-agent_acme-2-bbb222.scope loaded inactive dead Console command\n" +
		"\n"
	jobs := ParseListUnits(out)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-agent_acme-1-aaa111.scope", jobs[0].Unit)
	assert.Equal(t, "active", jobs[0].Active)
	assert.Equal(t, "inactive", jobs[1].Active)
}

func TestParseSSOutput(t *testing.T) {
	out := `LISTEN 0 128 0.0.0.0:20003 0.0.0.0:* users:(("node",pid=4242,fd=23))` + "\n" +
		`LISTEN 0 128 [::]:20004 [::]:* users:(("python3",pid=5353,fd=3),("python3",pid=5354,fd=3))` + "\n" +
		`LISTEN 0 128 127.0.0.1:631 0.0.0.0:*` + "\n"

	byPID := ParseSSOutput(out)
	assert.Equal(t, []int{20003}, byPID[4242])
	assert.Equal(t, []int{20004}, byPID[5353])
	assert.Equal(t, []int{20004}, byPID[5354])
	// Lines without pid info contribute nothing.
	assert.Len(t, byPID, 3)
}
