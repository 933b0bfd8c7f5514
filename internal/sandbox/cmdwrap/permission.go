package cmdwrap

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/sandbox/identity"
)

// Decision is the closed result of a permission check: allow (optionally
// with rewritten input), or deny with a user-facing reason.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reason explains a denial to the calling agent. Never raw OS error text.
	Reason string `json:"reason,omitempty"`

	// UpdatedInput replaces the tool input when the command was rewritten.
	UpdatedInput map[string]interface{} `json:"updated_input,omitempty"`

	// SystemNote is an advisory hint surfaced to the agent, such as the
	// externally reachable URL for a command that opens a listener.
	SystemNote string `json:"system_note,omitempty"`
}

// Allow permits the tool call unchanged.
func Allow() Decision {
	return Decision{Allowed: true}
}

// AllowRewritten permits the tool call with replacement input.
func AllowRewritten(input map[string]interface{}) Decision {
	return Decision{Allowed: true, UpdatedInput: input}
}

// Deny refuses the tool call with a user-facing explanation.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Tool name groups the hook distinguishes between.
var (
	readTools  = map[string]bool{"Read": true, "Grep": true, "Glob": true}
	shellTools = map[string]bool{"Bash": true, "Shell": true}
)

// UsageFunc reports a tenant's current workspace usage in bytes.
type UsageFunc func(ctx context.Context, tenantID string) (int64, error)

// Checker implements the permission hook for one service instance.
type Checker struct {
	enabled       bool
	publicBaseURL string
	quotaBytes    int64
	usage         UsageFunc
	logger        *logger.Logger
}

// NewChecker creates a permission checker. When enabled is false (dev hosts,
// isolation disabled) every call is allowed unmodified. usage may be nil to
// skip quota enforcement.
func NewChecker(enabled bool, publicBaseURL string, quotaBytes int64, usage UsageFunc, log *logger.Logger) *Checker {
	return &Checker{
		enabled:       enabled,
		publicBaseURL: publicBaseURL,
		quotaBytes:    quotaBytes,
		usage:         usage,
		logger:        log.WithFields(zap.String("component", "permission-checker")),
	}
}

// CheckPermission decides whether a tool invocation may proceed. id may be
// nil when no isolation identity exists for the tenant yet; in that case
// shell commands run unwrapped.
func (c *Checker) CheckPermission(ctx context.Context, toolName string, input map[string]interface{}, id *identity.Identity, workdir string) Decision {
	if !c.enabled {
		return Allow()
	}

	switch {
	case readTools[toolName]:
		return c.checkReadPath(toolName, input, workdir)
	case shellTools[toolName]:
		return c.checkShell(ctx, input, id, workdir)
	default:
		return Allow()
	}
}

// checkReadPath rejects read/search requests whose path resolves outside the
// tenant's workspace root, closing the path-traversal route to other
// tenants' data and host files.
func (c *Checker) checkReadPath(toolName string, input map[string]interface{}, workdir string) Decision {
	path := stringField(input, "file_path")
	if path == "" {
		path = stringField(input, "path")
	}
	if path == "" {
		// Glob carries its target as a pattern; a pattern is path-shaped
		// enough for the containment check.
		path = stringField(input, "pattern")
	}
	if path == "" {
		// Tools like Grep may operate on the implicit working directory.
		return Allow()
	}

	if !PathWithin(workdir, path) {
		c.logger.Warn("denied out-of-workspace access",
			zap.String("tool", toolName),
			zap.String("path", path))
		return Deny(fmt.Sprintf("access to %q is outside your workspace and not permitted", path))
	}

	return Allow()
}

// checkShell rewrites shell commands through Wrap and surfaces a listener
// URL hint when the command appears to start a server.
func (c *Checker) checkShell(ctx context.Context, input map[string]interface{}, id *identity.Identity, workdir string) Decision {
	command := stringField(input, "command")
	if command == "" || id == nil {
		return Allow()
	}

	if c.overQuota(ctx, id.TenantID) {
		return Deny("your workspace storage quota is exceeded; free up space before running commands")
	}

	note := ""
	if port, ok := DetectListenerPort(command); ok {
		note = fmt.Sprintf("If this command starts a server it will be reachable at %s/agent/%s-%d",
			c.publicBaseURL, id.Username, port)
	}

	if IsWrapped(command, id, workdir) {
		return Decision{Allowed: true, SystemNote: note}
	}

	rewritten := make(map[string]interface{}, len(input))
	for k, v := range input {
		rewritten[k] = v
	}
	rewritten["command"] = Wrap(command, id, workdir)

	return Decision{Allowed: true, UpdatedInput: rewritten, SystemNote: note}
}

func (c *Checker) overQuota(ctx context.Context, tenantID string) bool {
	if c.usage == nil || c.quotaBytes <= 0 {
		return false
	}
	used, err := c.usage(ctx, tenantID)
	if err != nil {
		// Usage unavailable is not a reason to block the tenant.
		c.logger.Warn("workspace usage check failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return false
	}
	return used > c.quotaBytes
}

// PathWithin reports whether path, resolved against root, stays inside root.
// Relative paths are joined to root before normalization, so "../../etc"
// style traversal is caught as well as absolute paths outside the root.
func PathWithin(root, path string) bool {
	if root == "" {
		return false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	cleanRoot := filepath.Clean(root)
	return abs == cleanRoot || strings.HasPrefix(abs, cleanRoot+string(filepath.Separator))
}

// Listener command shapes: an explicit port flag, or a well-known dev server
// invocation with a trailing port argument.
var listenerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:--port[= ]|-p )(\d{2,5})\b`),
	regexp.MustCompile(`http\.server\s+(\d{2,5})\b`),
	regexp.MustCompile(`(?:serve|listen)\s+(\d{2,5})\b`),
}

// DetectListenerPort reports whether the command likely opens a network
// listener, and on which port. Advisory only, not security-enforcing.
func DetectListenerPort(command string) (int, bool) {
	for _, re := range listenerPatterns {
		if m := re.FindStringSubmatch(command); m != nil {
			var port int
			if _, err := fmt.Sscanf(m[1], "%d", &port); err == nil && port > 0 && port <= 65535 {
				return port, true
			}
		}
	}
	return 0, false
}

func stringField(input map[string]interface{}, key string) string {
	if input == nil {
		return ""
	}
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}
