package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// forwardChains are the chains the reconciler installs rules into, and
// the accept targets they jump to. The zone bootstrap creates them if
// the gateway's firewall has not already.
var forwardChains = []string{
	"zone_lan_forward",
	"zone_wan_forward",
	"zone_lan_dest_ACCEPT",
	"zone_wan_dest_ACCEPT",
}

// EnsureZones makes sure the zone chains exist in the filter table of
// both address families. Creation is idempotent: "chain already
// exists" failures are ignored, anything else is logged and returned.
func EnsureZones(ctx context.Context, iptables, ip6tables string, logger *slog.Logger) error {
	for _, bin := range []string{iptables, ip6tables} {
		for _, chain := range forwardChains {
			out, err := exec.CommandContext(ctx, bin, "-t", "filter", "-N", chain).CombinedOutput()
			if err == nil {
				continue
			}
			msg := strings.TrimSpace(string(out))
			if strings.Contains(msg, "Chain already exists") {
				continue
			}
			logger.Error("could not create zone chain",
				slog.String("bin", bin),
				slog.String("chain", chain),
				slog.String("output", msg),
			)
			return fmt.Errorf("%s -N %s: %w", bin, chain, err)
		}
	}
	return nil
}
