// Package monitor translates the gateway's two external event streams
// into state-store mutations: hostapd station events arriving on the
// control socket, and MAC-to-IP bindings reported by the address
// observer child process.
//
// The two streams are independent and unordered with respect to each
// other; the state model tolerates either arrival order for the same
// station (see state.BindAddr and state.UpsertKeyID).
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	secmetrics "github.com/Start9Labs/startwrt/internal/metrics"
	"github.com/Start9Labs/startwrt/internal/state"
	"github.com/Start9Labs/startwrt/internal/wpactrl"
)

// Sentinel errors for the Wi-Fi monitor.
var (
	// ErrAttachRejected indicates the controller did not answer ATTACH
	// with OK.
	ErrAttachRejected = errors.New("controller rejected ATTACH")

	// ErrBadStationRecord indicates a STA-FIRST/STA-NEXT reply that is
	// neither empty nor a station record.
	ErrBadStationRecord = errors.New("malformed station record")

	// ErrEventStreamClosed indicates the control-socket client shut
	// down underneath the event loop.
	ErrEventStreamClosed = errors.New("event stream closed")
)

// Station event patterns. hostapd prefixes unsolicited events with a
// single severity digit in angle brackets.
var (
	connectedRe    = regexp.MustCompile(`^<\d>AP-STA-CONNECTED ([0-9A-Fa-f:]+)(.*)$`)
	disconnectedRe = regexp.MustCompile(`^<\d>AP-STA-DISCONNECTED ([0-9A-Fa-f:]+)`)
)

// WiFi watches one AP interface: it enumerates the stations already
// associated at startup and follows connect/disconnect events from
// then on.
type WiFi struct {
	// Interface is the AP interface name (e.g., "phy0-ap0").
	Interface string

	// CtrlDir is the directory holding hostapd's control sockets; the
	// per-interface socket is CtrlDir/Interface.
	CtrlDir string

	Store   *state.Store
	Metrics *secmetrics.Collector
	Logger  *slog.Logger
}

// Run connects to the controller and blocks until the context is
// cancelled or the monitor fails. Protocol violations and socket
// failures are fatal; unrecognized event lines are ignored.
func (m *WiFi) Run(ctx context.Context) error {
	logger := m.Logger.With(slog.String("interface", m.Interface))

	client, err := wpactrl.Open(filepath.Join(m.CtrlDir, m.Interface), logger)
	if err != nil {
		return fmt.Errorf("open control socket for %s: %w", m.Interface, err)
	}
	defer client.Close()

	// Subscribe before ATTACH so no event published during the initial
	// enumeration is lost.
	sub := client.Subscribe()
	defer sub.Close()

	reply, err := client.Request(ctx, "ATTACH")
	if err != nil {
		return fmt.Errorf("ATTACH %s: %w", m.Interface, err)
	}
	if reply != "OK" {
		return fmt.Errorf("ATTACH %s returned %q: %w", m.Interface, reply, ErrAttachRejected)
	}
	logger.Info("monitoring wifi interface")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.enumerate(gCtx, client, logger)
	})
	g.Go(func() error {
		return m.eventLoop(gCtx, sub, logger)
	})
	return g.Wait()
}

// enumerate walks the currently associated stations with
// STA-FIRST/STA-NEXT, upserting each under SendNoModify, and publishes
// the whole batch with one MarkChanged.
func (m *WiFi) enumerate(ctx context.Context, client *wpactrl.Client, logger *slog.Logger) error {
	reply, err := client.Request(ctx, "STA-FIRST")
	if err != nil {
		return fmt.Errorf("STA-FIRST: %w", err)
	}

	count := 0
	for strings.TrimSpace(reply) != "" {
		mac, keyID, err := parseStationRecord(reply)
		if err != nil {
			return fmt.Errorf("enumerate %s: %w", m.Interface, err)
		}

		id := state.ConnectionID{Interface: m.Interface, MAC: mac}
		m.Store.SendNoModify(func(s *state.State) {
			s.UpsertKeyID(id, keyID)
		})
		count++

		reply, err = client.Request(ctx, "STA-NEXT "+mac)
		if err != nil {
			return fmt.Errorf("STA-NEXT %s: %w", mac, err)
		}
	}

	m.Store.MarkChanged()
	logger.Info("initial station enumeration complete", slog.Int("stations", count))
	return nil
}

// parseStationRecord extracts the MAC and keyid from a STA-* reply: the
// first whitespace-bounded token is the MAC, subsequent lines are
// key=value pairs.
func parseStationRecord(reply string) (mac, keyID string, err error) {
	lines := strings.Split(strings.TrimSpace(reply), "\n")

	fields := strings.Fields(lines[0])
	if len(fields) == 0 || !strings.Contains(fields[0], ":") {
		return "", "", fmt.Errorf("%w: first line %q", ErrBadStationRecord, lines[0])
	}
	mac = strings.ToLower(fields[0])

	for _, line := range lines[1:] {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok && k == "keyid" {
			keyID = v
		}
	}
	return mac, keyID, nil
}

// eventLoop applies connect/disconnect events to the store until the
// context is cancelled or the stream dies.
func (m *WiFi) eventLoop(ctx context.Context, sub *wpactrl.Subscription, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("interface %s: %w", m.Interface, ErrEventStreamClosed)
			}
			m.handleEvent(ev, logger)
		}
	}
}

// handleEvent applies one unsolicited event. Lines that are neither a
// connect nor a disconnect are silently ignored; hostapd emits many
// other event kinds on the same stream.
func (m *WiFi) handleEvent(ev string, logger *slog.Logger) {
	if match := connectedRe.FindStringSubmatch(ev); match != nil {
		mac := strings.ToLower(match[1])
		keyID := eventKeyID(match[2])

		id := state.ConnectionID{Interface: m.Interface, MAC: mac}
		m.Store.SendModify(func(s *state.State) {
			s.UpsertKeyID(id, keyID)
		})

		m.Metrics.WifiEvents.WithLabelValues(m.Interface, "connected").Inc()
		logger.Debug("station connected",
			slog.String("mac", mac),
			slog.String("keyid", keyID),
		)
		return
	}

	if match := disconnectedRe.FindStringSubmatch(ev); match != nil {
		mac := strings.ToLower(match[1])

		id := state.ConnectionID{Interface: m.Interface, MAC: mac}
		m.Store.SendModify(func(s *state.State) {
			s.Remove(id)
		})

		m.Metrics.WifiEvents.WithLabelValues(m.Interface, "disconnected").Inc()
		logger.Debug("station disconnected", slog.String("mac", mac))
	}
}

// eventKeyID pulls keyid=<v> out of the trailing key=value pairs of a
// connect event.
func eventKeyID(rest string) string {
	for _, kv := range strings.Fields(rest) {
		if k, v, ok := strings.Cut(kv, "="); ok && k == "keyid" {
			return v
		}
	}
	return ""
}
