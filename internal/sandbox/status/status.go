// Package status exposes read-only resource introspection for a tenant's
// sandbox: cgroup memory/task/CPU accounting, workspace disk usage, and the
// running command scopes with their listening ports. Used by the
// operational dashboard and by the storage-quota check.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/config"
	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/sandbox/hostcmd"
	"github.com/agentcell/agentcell/internal/sandbox/identity"
)

// MemoryStatus holds cgroup memory accounting. Max is -1 when unlimited.
type MemoryStatus struct {
	CurrentBytes int64 `json:"current_bytes"`
	MaxBytes     int64 `json:"max_bytes"`
}

// TaskStatus holds cgroup pids accounting. Max is -1 when unlimited.
type TaskStatus struct {
	Current int64 `json:"current"`
	Max     int64 `json:"max"`
}

// JobStatus describes one running command scope owned by the tenant.
type JobStatus struct {
	Unit   string `json:"unit"`
	Active string `json:"active"`
	Ports  []int  `json:"ports,omitempty"`
}

// ResourceStatus is the per-tenant resource snapshot.
type ResourceStatus struct {
	TenantID       string       `json:"tenant_id"`
	Username       string       `json:"username"`
	Memory         MemoryStatus `json:"memory"`
	Tasks          TaskStatus   `json:"tasks"`
	CPUUsageUsec   int64        `json:"cpu_usage_usec"`
	DiskUsageBytes int64        `json:"disk_usage_bytes"`
	QuotaBytes     int64        `json:"quota_bytes"`
	Jobs           []JobStatus  `json:"jobs"`
}

// Collector gathers resource status from the host.
type Collector struct {
	cfg    config.SandboxConfig
	runner hostcmd.Runner
	logger *logger.Logger

	// readFile is swapped for a fake in tests.
	readFile func(string) ([]byte, error)
}

// NewCollector creates a collector.
func NewCollector(cfg config.SandboxConfig, runner hostcmd.Runner, log *logger.Logger) *Collector {
	return &Collector{
		cfg:      cfg,
		runner:   runner,
		logger:   log.WithFields(zap.String("component", "resource-status")),
		readFile: os.ReadFile,
	}
}

// GetResourceStatus assembles the tenant's resource snapshot. Individual
// probes that fail are logged and leave zero values; the snapshot itself
// always succeeds for known tenants.
func (c *Collector) GetResourceStatus(ctx context.Context, tenantID string) (*ResourceStatus, error) {
	username := identity.DeriveUsername(c.cfg.UserPrefix, tenantID)
	st := &ResourceStatus{
		TenantID:   tenantID,
		Username:   username,
		QuotaBytes: c.cfg.StorageQuotaBytes,
		Jobs:       []JobStatus{},
	}

	slicePath := identity.SlicePath(username)
	st.Memory.CurrentBytes = c.readCgroupInt(slicePath, "memory.current")
	st.Memory.MaxBytes = c.readCgroupLimit(slicePath, "memory.max")
	st.Tasks.Current = c.readCgroupInt(slicePath, "pids.current")
	st.Tasks.Max = c.readCgroupLimit(slicePath, "pids.max")
	st.CPUUsageUsec = c.readCPUUsage(slicePath)

	if usage, err := c.WorkspaceUsage(ctx, tenantID); err == nil {
		st.DiskUsageBytes = usage
	} else {
		c.logger.Debug("disk usage probe failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}

	st.Jobs = c.collectJobs(ctx, username, slicePath)

	return st, nil
}

// WorkspaceUsage returns the tenant workspace size in bytes via du -sb.
func (c *Collector) WorkspaceUsage(ctx context.Context, tenantID string) (int64, error) {
	root := identity.TenantRoot(c.cfg.WorkspaceBase, tenantID)
	out, err := c.runner.Run(ctx, "sudo", "du", "-sb", root)
	if err != nil {
		return 0, err
	}
	return ParseDuOutput(out)
}

// KillJob stops one of the tenant's command scopes. The unit name is
// validated against the tenant's job prefix so one tenant cannot stop
// another tenant's units through this path.
func (c *Collector) KillJob(ctx context.Context, tenantID, unit string) error {
	username := identity.DeriveUsername(c.cfg.UserPrefix, tenantID)
	if !strings.HasPrefix(unit, "job-"+username+"-") {
		return apperrors.PermissionDenied(fmt.Sprintf("unit %q does not belong to this tenant", unit))
	}

	if _, err := c.runner.Run(ctx, "sudo", "systemctl", "stop", unit); err != nil {
		return apperrors.InternalError("failed to stop job", err)
	}

	c.logger.Info("stopped tenant job",
		zap.String("tenant_id", tenantID),
		zap.String("unit", unit))
	return nil
}

// collectJobs lists the tenant's scope units and resolves their listening
// ports by matching cgroup member pids against ss output.
func (c *Collector) collectJobs(ctx context.Context, username, slicePath string) []JobStatus {
	jobs := []JobStatus{}

	out, err := c.runner.Run(ctx, "systemctl", "list-units", "--plain", "--no-legend", "--all",
		fmt.Sprintf("job-%s-*", username))
	if err != nil {
		c.logger.Debug("job listing failed", zap.String("username", username), zap.Error(err))
		return jobs
	}

	portsByPID := c.listeningPorts(ctx)

	for _, job := range ParseListUnits(out) {
		pids := c.unitPIDs(slicePath, job.Unit)
		for _, pid := range pids {
			job.Ports = append(job.Ports, portsByPID[pid]...)
		}
		jobs = append(jobs, job)
	}

	return jobs
}

// unitPIDs reads the member pids of a scope unit from its cgroup.
func (c *Collector) unitPIDs(slicePath, unit string) []int {
	data, err := c.readFile(filepath.Join(slicePath, unit, "cgroup.procs"))
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// listeningPorts maps pid -> listening ports from ss, both TCP and UDP.
func (c *Collector) listeningPorts(ctx context.Context) map[int][]int {
	result := make(map[int][]int)

	for _, args := range [][]string{{"-lntpH"}, {"-lunpH"}} {
		out, err := c.runner.Run(ctx, "ss", args...)
		if err != nil {
			c.logger.Debug("socket listing failed", zap.Strings("args", args), zap.Error(err))
			continue
		}
		for pid, ports := range ParseSSOutput(out) {
			result[pid] = append(result[pid], ports...)
		}
	}

	return result
}

func (c *Collector) readCgroupInt(slicePath, file string) int64 {
	data, err := c.readFile(filepath.Join(slicePath, file))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (c *Collector) readCgroupLimit(slicePath, file string) int64 {
	data, err := c.readFile(filepath.Join(slicePath, file))
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return -1
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (c *Collector) readCPUUsage(slicePath string) int64 {
	data, err := c.readFile(filepath.Join(slicePath, "cpu.stat"))
	if err != nil {
		return 0
	}
	return ParseCPUStat(string(data))
}

// ParseDuOutput extracts the byte count from `du -sb` output.
func ParseDuOutput(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty du output")
	}
	return strconv.ParseInt(fields[0], 10, 64)
}

// ParseCPUStat extracts usage_usec from a cgroup cpu.stat file.
func ParseCPUStat(data string) int64 {
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				return v
			}
		}
	}
	return 0
}

// ParseListUnits parses `systemctl list-units --plain --no-legend` output
// into job entries (unit, active state).
func ParseListUnits(out string) []JobStatus {
	var jobs []JobStatus
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		jobs = append(jobs, JobStatus{Unit: fields[0], Active: fields[2]})
	}
	return jobs
}

var (
	ssPortRe = regexp.MustCompile(`[\[\]0-9a-fA-F.:*]+:(\d+)\s`)
	ssPIDRe  = regexp.MustCompile(`pid=(\d+)`)
)

// ParseSSOutput parses `ss -l[nt|un]pH` output into pid -> ports.
func ParseSSOutput(out string) map[int][]int {
	result := make(map[int][]int)
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		portMatch := ssPortRe.FindStringSubmatch(line + " ")
		if portMatch == nil {
			continue
		}
		port, err := strconv.Atoi(portMatch[1])
		if err != nil {
			continue
		}

		for _, pidMatch := range ssPIDRe.FindAllStringSubmatch(line, -1) {
			if pid, err := strconv.Atoi(pidMatch[1]); err == nil {
				result[pid] = append(result[pid], port)
			}
		}
	}
	return result
}
