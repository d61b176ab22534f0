package firewall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Sink consumes rule changes. The production sink shells out to the
// filter CLI; tests and dry runs substitute their own.
type Sink interface {
	Apply(ctx context.Context, change Change) error
}

// Args renders a change as the filter CLI argument vector:
//
//	-t filter {-A|-D} zone_<src>_forward [-s ip] [-d ip]
//	    [-m mac --mac-source mac] -j zone_<dst>_dest_ACCEPT
//
// The MAC match is only rendered when withMAC is set; it requires the
// xt_mac module and is off by default.
func Args(change Change, withMAC bool) []string {
	rule := change.Rule

	flag := "-A"
	if change.Op == OpDelete {
		flag = "-D"
	}

	args := []string{
		"-t", "filter",
		flag, fmt.Sprintf("zone_%s_forward", rule.SrcZone),
	}
	if rule.SrcIP.IsValid() {
		args = append(args, "-s", rule.SrcIP.String())
	}
	if rule.DstIP.IsValid() {
		args = append(args, "-d", rule.DstIP.String())
	}
	if withMAC && rule.SrcMAC != "" {
		args = append(args, "-m", "mac", "--mac-source", rule.SrcMAC)
	}
	args = append(args, "-j", fmt.Sprintf("zone_%s_dest_ACCEPT", rule.DstZone))

	return args
}

// CommandSink applies changes by invoking the host's iptables binaries.
// IPv6 rules (judged by the rule's source address) go through the
// ip6tables binary.
type CommandSink struct {
	// IptablesPath and Ip6tablesPath name the filter CLI binaries.
	IptablesPath  string
	Ip6tablesPath string

	// MatchSourceMAC enables the "-m mac --mac-source" match.
	MatchSourceMAC bool

	Logger *slog.Logger
}

// binaryFor selects the filter binary by the rule's address family.
func (s *CommandSink) binaryFor(rule AllowRule) string {
	if rule.SrcIP.IsValid() && rule.SrcIP.Is6() {
		return s.Ip6tablesPath
	}
	return s.IptablesPath
}

// Apply runs one filter command. A non-zero exit is an error and takes
// the daemon down: the applied rule set must never silently diverge
// from the accepted one.
func (s *CommandSink) Apply(ctx context.Context, change Change) error {
	bin := s.binaryFor(change.Rule)
	args := Args(change, s.MatchSourceMAC)

	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)",
			bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	s.Logger.Debug("filter command applied",
		slog.String("bin", bin),
		slog.String("args", strings.Join(args, " ")),
	)
	return nil
}

// WriterSink prints each command instead of executing it. Used by the
// daemon's dry-run mode and by tests.
type WriterSink struct {
	W io.Writer

	// MatchSourceMAC mirrors CommandSink's flag so the printed commands
	// match what would run.
	MatchSourceMAC bool
}

// Apply writes the would-be command line to W.
func (s *WriterSink) Apply(_ context.Context, change Change) error {
	bin := "iptables"
	if change.Rule.SrcIP.IsValid() && change.Rule.SrcIP.Is6() {
		bin = "ip6tables"
	}
	if _, err := fmt.Fprintf(s.W, "%s %s\n", bin, strings.Join(Args(change, s.MatchSourceMAC), " ")); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}
