package provision

import (
	"fmt"
	"strings"

	"github.com/agentcell/agentcell/internal/sandbox/ports"
)

// nftable is the nftables table all tenant chains live in.
const nftable = "inet agentcell"

// ChainName returns the per-tenant nftables chain.
func ChainName(username string) string {
	return "tenant_" + username
}

// BuildFirewallScript produces an idempotent bash script that installs the
// tenant's egress rules: traffic from the tenant UID is allowed only on the
// allocated port block plus established/related connections, everything
// else from that UID is dropped. The per-tenant chain is flushed and
// refilled on every run so re-provisioning converges instead of stacking
// duplicate rules.
func BuildFirewallScript(username string, uid int, block ports.Block) string {
	chain := ChainName(username)
	portRange := fmt.Sprintf("%d-%d", block.Start, block.End)

	lines := []string{
		"set -e",
		fmt.Sprintf("nft list table %s >/dev/null 2>&1 || nft add table %s", nftable, nftable),
		fmt.Sprintf("nft list chain %s output >/dev/null 2>&1 || nft add chain %s output '{ type filter hook output priority 0 ; policy accept ; }'", nftable, nftable),
		fmt.Sprintf("if nft list chain %s %s >/dev/null 2>&1; then nft flush chain %s %s; else nft add chain %s %s; nft add rule %s output meta skuid %d jump %s; fi",
			nftable, chain, nftable, chain, nftable, chain, nftable, uid, chain),
		fmt.Sprintf("nft add rule %s %s ct state established,related accept", nftable, chain),
		fmt.Sprintf("nft add rule %s %s tcp sport %s accept", nftable, chain, portRange),
		fmt.Sprintf("nft add rule %s %s tcp dport %s accept", nftable, chain, portRange),
		fmt.Sprintf("nft add rule %s %s udp sport %s accept", nftable, chain, portRange),
		fmt.Sprintf("nft add rule %s %s udp dport %s accept", nftable, chain, portRange),
		fmt.Sprintf("nft add rule %s %s drop", nftable, chain),
	}

	return strings.Join(lines, "\n")
}
