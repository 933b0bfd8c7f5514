// Package provision creates and verifies the per-tenant isolation state:
// OS identity, workspace, resource-control slice caps, and firewall rules.
// Every step is individually idempotent and best-effort; a failed step is
// recorded and logged but never aborts the remaining steps, so a partially
// failed run is repaired simply by running again.
package provision

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/config"
	apperrors "github.com/agentcell/agentcell/internal/common/errors"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/events"
	"github.com/agentcell/agentcell/internal/events/bus"
	"github.com/agentcell/agentcell/internal/sandbox/hostcmd"
	"github.com/agentcell/agentcell/internal/sandbox/identity"
	"github.com/agentcell/agentcell/internal/sandbox/ports"
)

// cgroupMarker is the cgroup-v2 feature marker; absent on hosts that cannot
// carry resource-control slices (non-Linux dev machines, v1-only kernels).
const cgroupMarker = "/sys/fs/cgroup/cgroup.controllers"

// Provisioning step names, used in reports and logs.
const (
	StepIdentity  = "identity"
	StepWorkspace = "workspace"
	StepSliceCaps = "slice-caps"
	StepPorts     = "ports"
	StepFirewall  = "firewall"
)

// StepResult records the outcome of one provisioning step.
type StepResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped"`
	Detail  string `json:"detail,omitempty"`
}

// Report aggregates the step results of one provisioning run.
type Report struct {
	TenantID  string       `json:"tenant_id"`
	Username  string       `json:"username"`
	Supported bool         `json:"supported"`
	Steps     []StepResult `json:"steps"`
	Block     *ports.Block `json:"block,omitempty"`
}

// Degraded reports whether any step failed.
func (r *Report) Degraded() bool {
	for _, s := range r.Steps {
		if !s.OK && !s.Skipped {
			return true
		}
	}
	return false
}

func (r *Report) add(name string, ok bool, detail string) {
	r.Steps = append(r.Steps, StepResult{Name: name, OK: ok, Detail: detail})
}

func (r *Report) skip(name, detail string) {
	r.Steps = append(r.Steps, StepResult{Name: name, OK: true, Skipped: true, Detail: detail})
}

// Provisioner applies the isolation steps through a host command runner.
type Provisioner struct {
	cfg       config.SandboxConfig
	runner    hostcmd.Runner
	allocator *ports.Allocator
	eventBus  bus.EventBus
	logger    *logger.Logger

	// overridden in tests
	supported func() bool
}

// NewProvisioner creates a provisioner.
func NewProvisioner(cfg config.SandboxConfig, runner hostcmd.Runner, allocator *ports.Allocator, eventBus bus.EventBus, log *logger.Logger) *Provisioner {
	return &Provisioner{
		cfg:       cfg,
		runner:    runner,
		allocator: allocator,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "provisioner")),
		supported: hostSupported,
	}
}

// hostSupported checks the resource-control feature marker.
func hostSupported() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat(cgroupMarker)
	return err == nil
}

// EnsureTenantIsolation creates or verifies the tenant's OS identity,
// workspace, slice caps, port block, and firewall rules. The returned error
// is non-nil only for port-pool exhaustion; every other failure degrades the
// report instead, favoring availability over hard containment.
func (p *Provisioner) EnsureTenantIsolation(ctx context.Context, tenantID string) (*Report, error) {
	report := &Report{
		TenantID: tenantID,
		Username: identity.DeriveUsername(p.cfg.UserPrefix, tenantID),
	}

	if !p.cfg.Enabled || !p.supported() {
		report.skip(StepIdentity, "isolation disabled or host unsupported")
		return report, nil
	}
	report.Supported = true

	p.ensureIdentity(ctx, report)
	p.ensureWorkspace(ctx, report)
	p.applySliceCaps(ctx, report)

	block, err := p.ensurePorts(ctx, report)
	if err != nil {
		// Pool exhaustion is the one failure that must reach the caller.
		return report, err
	}
	report.Block = block

	p.applyFirewall(ctx, report, block)

	p.publishReport(ctx, report)
	return report, nil
}

// EnsureAgentWorkspace creates the per-agent working directory
// (<base>/userid_<tenant>/agentid_<agent>/work) owned by the tenant identity
// and returns its path. Safe to call before EnsureTenantIsolation; ownership
// is then fixed up by the next provisioning run.
func (p *Provisioner) EnsureAgentWorkspace(ctx context.Context, tenantID, agentID string) (string, error) {
	workdir := identity.WorkspaceDir(p.cfg.WorkspaceBase, tenantID, agentID)

	if _, err := p.runner.Run(ctx, "sudo", "mkdir", "-p", workdir); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", workdir, err)
	}

	username := identity.DeriveUsername(p.cfg.UserPrefix, tenantID)
	if p.cfg.Enabled && p.supported() {
		owner := username + ":" + username
		if _, err := p.runner.Run(ctx, "sudo", "chown", "-R", owner, workdir); err != nil {
			p.logger.Warn("failed to chown agent workspace",
				zap.String("tenant_id", tenantID),
				zap.String("workdir", workdir),
				zap.Error(err))
		}
	}

	return workdir, nil
}

// ensureIdentity creates the system user if the lookup fails.
func (p *Provisioner) ensureIdentity(ctx context.Context, report *Report) {
	if _, err := p.runner.Run(ctx, "id", "-u", report.Username); err == nil {
		report.add(StepIdentity, true, "exists")
		return
	}

	if _, err := p.runner.Run(ctx, "sudo", "useradd", "-m", "-s", "/bin/bash", report.Username); err != nil {
		p.stepFailed(report, StepIdentity, err)
		return
	}
	report.add(StepIdentity, true, "created")
}

// ensureWorkspace creates and locks down the tenant's directory tree.
func (p *Provisioner) ensureWorkspace(ctx context.Context, report *Report) {
	root := identity.TenantRoot(p.cfg.WorkspaceBase, report.TenantID)
	owner := report.Username + ":" + report.Username

	if _, err := p.runner.Run(ctx, "sudo", "mkdir", "-p", root); err != nil {
		p.stepFailed(report, StepWorkspace, err)
		return
	}
	if _, err := p.runner.Run(ctx, "sudo", "chown", "-R", owner, root); err != nil {
		p.stepFailed(report, StepWorkspace, err)
		return
	}
	if _, err := p.runner.Run(ctx, "sudo", "chmod", "700", root); err != nil {
		p.stepFailed(report, StepWorkspace, err)
		return
	}
	report.add(StepWorkspace, true, root)
}

// applySliceCaps sets the resource-control properties on the tenant slice.
func (p *Provisioner) applySliceCaps(ctx context.Context, report *Report) {
	args := []string{
		"systemctl", "set-property", identity.SliceName(report.Username),
		"MemoryMax=" + p.cfg.MemoryMax,
		"TasksMax=" + strconv.Itoa(p.cfg.TasksMax),
		"CPUQuota=" + p.cfg.CPUQuota,
	}
	if p.cfg.IODevice != "" {
		args = append(args,
			fmt.Sprintf("IOReadBandwidthMax=%s %s", p.cfg.IODevice, p.cfg.IOReadBandwidth),
			fmt.Sprintf("IOWriteBandwidthMax=%s %s", p.cfg.IODevice, p.cfg.IOWriteBandwidth),
		)
	}

	if _, err := p.runner.Run(ctx, "sudo", args...); err != nil {
		p.stepFailed(report, StepSliceCaps, err)
		return
	}
	report.add(StepSliceCaps, true, "")
}

// ensurePorts allocates the tenant's port block.
func (p *Provisioner) ensurePorts(ctx context.Context, report *Report) (*ports.Block, error) {
	block, err := p.allocator.EnsureAllocation(ctx, report.TenantID)
	if err != nil {
		if apperrors.IsPoolExhausted(err) {
			p.stepFailed(report, StepPorts, err)
			return nil, err
		}
		p.stepFailed(report, StepPorts, err)
		return nil, nil
	}
	report.add(StepPorts, true, fmt.Sprintf("%d-%d", block.Start, block.End))
	return block, nil
}

// applyFirewall installs the per-UID nftables rules for the port block.
func (p *Provisioner) applyFirewall(ctx context.Context, report *Report, block *ports.Block) {
	if !p.cfg.FirewallEnabled {
		report.skip(StepFirewall, "disabled")
		return
	}
	if block == nil {
		report.skip(StepFirewall, "no port block")
		return
	}

	uidOut, err := p.runner.Run(ctx, "id", "-u", report.Username)
	if err != nil {
		p.stepFailed(report, StepFirewall, err)
		return
	}
	uid, err := strconv.Atoi(strings.TrimSpace(uidOut))
	if err != nil {
		p.stepFailed(report, StepFirewall, fmt.Errorf("unexpected uid output %q: %w", uidOut, err))
		return
	}

	script := BuildFirewallScript(report.Username, uid, *block)
	if _, err := p.runner.Run(ctx, "sudo", "bash", "-c", script); err != nil {
		p.stepFailed(report, StepFirewall, err)
		return
	}
	report.add(StepFirewall, true, "")
}

// stepFailed records and logs a failed step without aborting the run.
func (p *Provisioner) stepFailed(report *Report, step string, err error) {
	report.add(step, false, err.Error())
	p.logger.Warn("provisioning step failed",
		zap.String("tenant_id", report.TenantID),
		zap.String("step", step),
		zap.Error(err))
}

// publishReport emits the provisioning outcome on the event bus.
func (p *Provisioner) publishReport(ctx context.Context, report *Report) {
	if p.eventBus == nil {
		return
	}

	subject := events.ProvisionCompleted
	if report.Degraded() {
		subject = events.ProvisionDegraded
	}

	data := map[string]interface{}{
		"tenant_id": report.TenantID,
		"username":  report.Username,
		"degraded":  report.Degraded(),
	}
	if report.Block != nil {
		data["port_start"] = report.Block.Start
		data["port_end"] = report.Block.End
	}

	event := bus.NewEvent(subject, "sandbox-manager", data)
	if err := p.eventBus.Publish(ctx, subject, event); err != nil {
		p.logger.Error("failed to publish provisioning event",
			zap.String("tenant_id", report.TenantID),
			zap.Error(err))
	}
}
