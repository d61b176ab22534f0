package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	secmetrics "github.com/Start9Labs/startwrt/internal/metrics"
	"github.com/Start9Labs/startwrt/internal/state"
)

// ErrObserverExited indicates the address observer child process ended
// its stdout stream.
var ErrObserverExited = errors.New("address observer exited")

// addrEvent is one parsed observer line:
//
//	<unix-ts> <interface> <vlan> <mac> <ip> <pkt-type>
type addrEvent struct {
	iface string
	mac   string
	addr  netip.Addr
}

// parseAddrLine parses one observer output line.
func parseAddrLine(line string) (addrEvent, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return addrEvent{}, fmt.Errorf("want 6 fields, got %d", len(fields))
	}
	if _, err := strconv.ParseUint(fields[0], 10, 64); err != nil {
		return addrEvent{}, fmt.Errorf("timestamp %q: %w", fields[0], err)
	}
	if !strings.Contains(fields[3], ":") {
		return addrEvent{}, fmt.Errorf("mac %q is not colon-separated", fields[3])
	}
	addr, err := netip.ParseAddr(fields[4])
	if err != nil {
		return addrEvent{}, fmt.Errorf("ip %q: %w", fields[4], err)
	}
	return addrEvent{
		iface: fields[1],
		mac:   strings.ToLower(fields[3]),
		addr:  addr,
	}, nil
}

// Addrwatch runs the external MAC-to-IP sniffer and feeds its
// observations into the state store.
type Addrwatch struct {
	// Command and Args name the observer binary to spawn.
	Command string
	Args    []string

	Store   *state.Store
	Metrics *secmetrics.Collector
	Logger  *slog.Logger
}

// Run spawns the observer child and consumes its stdout until the
// context is cancelled or the child exits. A child exit is always an
// error: the daemon cannot track addresses without it.
func (m *Addrwatch) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.Command, m.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe %s stdout: %w", m.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", m.Command, err)
	}
	m.Logger.Info("address observer started",
		slog.String("command", m.Command),
		slog.Int("pid", cmd.Process.Pid),
	)

	consumeErr := m.Consume(ctx, stdout)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if consumeErr != nil {
		return consumeErr
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %w", ErrObserverExited, waitErr)
	}
	return ErrObserverExited
}

// Consume applies observer lines from r to the store until EOF or a
// read error. Run wires the child's stdout here; tests feed a pipe.
// Unparseable lines are logged, counted, and skipped.
func (m *Addrwatch) Consume(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		ev, err := parseAddrLine(line)
		if err != nil {
			m.Metrics.ParseErrors.WithLabelValues("addrwatch").Inc()
			m.Logger.Error("could not parse address observer line",
				slog.String("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}

		id := state.ConnectionID{Interface: ev.iface, MAC: ev.mac}
		m.Store.SendModify(func(s *state.State) {
			s.BindAddr(id, ev.addr)
		})
		m.Metrics.AddrEvents.Inc()

		m.Logger.Debug("address observed",
			slog.String("interface", ev.iface),
			slog.String("mac", ev.mac),
			slog.String("ip", ev.addr.String()),
		)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read address observer output: %w", err)
	}
	return nil
}
