// Package identity derives and resolves the per-tenant OS identity used for
// command isolation. A tenant maps to exactly one system user whose name is
// a deterministic function of the tenant id, so it is stable across service
// restarts without any stored mapping.
package identity

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// MaxDerivedLength is the number of tenant-id characters kept in the derived
// username after filtering. Long enough that collisions require two tenant
// ids sharing a 16-character alphanumeric prefix.
const MaxDerivedLength = 16

// Identity is the host-level OS identity bound to a tenant.
type Identity struct {
	TenantID string
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DeriveUsername returns the system username for a tenant: the prefix
// followed by the lowercase alphanumeric characters of the tenant id,
// truncated to MaxDerivedLength.
func DeriveUsername(prefix, tenantID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(tenantID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= MaxDerivedLength {
			break
		}
	}
	return prefix + b.String()
}

// SliceName returns the systemd slice unit that carries the tenant's
// resource-control caps.
func SliceName(username string) string {
	return "user-" + username + ".slice"
}

// SlicePath returns the cgroup-v2 filesystem path of the tenant's slice.
func SlicePath(username string) string {
	return filepath.Join("/sys/fs/cgroup/user.slice", SliceName(username))
}

// WorkspaceDir returns the tenant/agent working directory:
// <base>/userid_<tenant>/agentid_<agent>/work
func WorkspaceDir(base, tenantID, agentID string) string {
	return filepath.Join(base, "userid_"+tenantID, "agentid_"+agentID, "work")
}

// TenantRoot returns the root of everything a tenant owns on disk.
func TenantRoot(base, tenantID string) string {
	return filepath.Join(base, "userid_"+tenantID)
}

// Lookup resolves an existing system user into an Identity.
// Returns an error if the user does not exist on the host.
func Lookup(prefix, tenantID string) (*Identity, error) {
	username := DeriveUsername(prefix, tenantID)

	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("identity %q not found: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q for %q: %w", u.Uid, username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid %q for %q: %w", u.Gid, username, err)
	}

	return &Identity{
		TenantID: tenantID,
		Username: username,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

// Exists reports whether the derived system user is already present.
func Exists(prefix, tenantID string) bool {
	_, err := user.Lookup(DeriveUsername(prefix, tenantID))
	return err == nil
}
