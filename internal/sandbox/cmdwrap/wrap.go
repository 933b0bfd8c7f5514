// Package cmdwrap rewrites raw shell commands so they execute inside a
// tenant's isolation boundary, and implements the permission hook invoked by
// the agent runtime before every tool execution.
//
// Wrap and IsWrapped are pure string transforms: nothing here touches the
// OS. Side effects happen only when the caller executes the wrapped string.
package cmdwrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcell/agentcell/internal/sandbox/identity"
)

// Wrap produces a command that (a) re-chowns the working directory to the
// tenant identity, handling files created outside the sandbox, then (b) runs
// the raw command as that identity inside a transient scope on the tenant's
// slice. The unit name carries a timestamp and random suffix so concurrent
// invocations for the same tenant never collide.
func Wrap(raw string, id *identity.Identity, workdir string) string {
	unit := fmt.Sprintf("job-%s-%d-%s", id.Username, time.Now().UnixMilli(), randomSuffix())

	return fmt.Sprintf(
		"sudo chown -R %s:%s %s && sudo systemd-run --scope --slice=%s --unit=%s --working-directory=%s --uid=%d --gid=%d --quiet bash -lc %s",
		id.Username, id.Username, shellQuote(workdir),
		identity.SliceName(id.Username), unit,
		shellQuote(workdir), id.UID, id.GID,
		shellQuote(raw),
	)
}

// IsWrapped reports whether the command was produced by Wrap for this exact
// identity and working directory. All markers must match: a command merely
// containing the literal marker text for a different identity or directory
// is not treated as isolated, so a caller cannot spoof isolation by
// embedding the strings itself.
func IsWrapped(cmd string, id *identity.Identity, workdir string) bool {
	if !strings.Contains(cmd, "systemd-run") || !strings.Contains(cmd, "--scope") {
		return false
	}
	if !strings.Contains(cmd, "--slice="+identity.SliceName(id.Username)) {
		return false
	}
	if !strings.Contains(cmd, "--unit=job-"+id.Username+"-") {
		return false
	}
	if !strings.Contains(cmd, "--working-directory="+shellQuote(workdir)) {
		return false
	}
	return strings.Contains(cmd, "bash -lc")
}

// randomSuffix returns six hex characters for unit-name uniqueness.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
