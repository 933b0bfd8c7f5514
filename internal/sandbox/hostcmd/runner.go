// Package hostcmd executes host OS commands for provisioning and
// introspection. All sandbox subprocess calls go through the Runner
// interface so tests can substitute a fake host.
package hostcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/logger"
)

// Runner runs a host command and returns its combined stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec with a bounded timeout per call.
type ExecRunner struct {
	timeout time.Duration
	logger  *logger.Logger
}

// NewExecRunner creates a runner with the given per-command timeout.
func NewExecRunner(timeout time.Duration, log *logger.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecRunner{
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "hostcmd")),
	}
}

// Run executes the command and returns trimmed stdout. A non-zero exit or a
// timeout is returned as an error carrying stderr for logging; callers must
// not surface that text to end users.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Warn("host command timed out",
			zap.String("command", name),
			zap.Strings("args", args))
		return "", fmt.Errorf("command %q timed out after %s", name, r.timeout)
	}
	if err != nil {
		r.logger.Debug("host command failed",
			zap.String("command", name),
			zap.Strings("args", args),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return "", fmt.Errorf("command %q failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}
