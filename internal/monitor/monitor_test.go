package monitor_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	secmetrics "github.com/Start9Labs/startwrt/internal/metrics"
	"github.com/Start9Labs/startwrt/internal/monitor"
	"github.com/Start9Labs/startwrt/internal/state"
)

const (
	macA = "aa:bb:cc:dd:ee:ff"
	macB = "11:22:33:44:55:66"
)

// fakeHostapd answers control requests from a script and can push
// unsolicited events to the connected client.
type fakeHostapd struct {
	t       *testing.T
	conn    *net.UnixConn
	dir     string
	iface   string
	handler map[string]string
	peer    chan *net.UnixAddr
}

func newFakeHostapd(t *testing.T, iface string) *fakeHostapd {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, iface)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}

	f := &fakeHostapd{
		t:       t,
		conn:    conn,
		dir:     dir,
		iface:   iface,
		handler: map[string]string{"ATTACH": "OK"},
		peer:    make(chan *net.UnixAddr, 1),
	}
	t.Cleanup(func() { conn.Close() })

	go f.serve()
	return f
}

func (f *fakeHostapd) serve() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := f.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}

		select {
		case f.peer <- addr:
		default:
		}

		reply, ok := f.handler[string(buf[:n])]
		if !ok {
			reply = "FAIL"
		}
		if _, err := f.conn.WriteToUnix([]byte(reply), addr); err != nil {
			return
		}
	}
}

func (f *fakeHostapd) event(msg string) {
	f.t.Helper()
	select {
	case addr := <-f.peer:
		if _, err := f.conn.WriteToUnix([]byte(msg), addr); err != nil {
			f.t.Errorf("send event: %v", err)
		}
		f.peer <- addr
	case <-time.After(5 * time.Second):
		f.t.Error("no client address learned yet")
	}
}

func newCollector() *secmetrics.Collector {
	return secmetrics.NewCollector(prometheus.NewRegistry())
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// waitForState blocks until pred holds or the test times out.
func waitForState(t *testing.T, store *state.Store, pred func(*state.State) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Subscribe().WaitFor(ctx, pred); err != nil {
		t.Fatalf("state never reached expected shape: %v", err)
	}
}

func testConfig() *state.Config {
	return &state.Config{
		Profiles: map[string]state.SecProfile{
			"guest": {Lan: state.LanAccess{Kind: state.LanNoDevices}, Wan: true},
		},
		KeyIDs: map[string]state.KeyIDEntry{
			"phone": {Profile: "guest"},
		},
		InterfaceToProfile: map[string]string{},
	}
}

func startWiFi(t *testing.T, f *fakeHostapd, store *state.Store) (cancel func(), done chan error) {
	t.Helper()

	m := &monitor.WiFi{
		Interface: f.iface,
		CtrlDir:   f.dir,
		Store:     store,
		Metrics:   newCollector(),
		Logger:    testLogger(),
	}

	ctx, stop := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("monitor did not stop")
		}
	})
	return stop, done
}

func TestWiFiEnumeration(t *testing.T) {
	t.Parallel()

	f := newFakeHostapd(t, "phy0-ap0")
	f.handler["STA-FIRST"] = macA + "\nflags=[AUTH][ASSOC]\nkeyid=phone\n"
	f.handler["STA-NEXT "+macA] = macB + "\nflags=[AUTH][ASSOC]\n"
	f.handler["STA-NEXT "+macB] = ""

	store := state.NewStore()
	store.SendNoModify(func(s *state.State) { s.SetConfig(testConfig()) })

	startWiFi(t, f, store)

	waitForState(t, store, func(s *state.State) bool {
		return len(s.Connections) == 2
	})

	store.Peek(func(s *state.State) {
		a := s.Connections[state.ConnectionID{Interface: "phy0-ap0", MAC: macA}]
		if a == nil || a.KeyID != "phone" || a.Profile != "guest" {
			t.Errorf("station A = %+v, want keyid=phone profile=guest", a)
		}
		b := s.Connections[state.ConnectionID{Interface: "phy0-ap0", MAC: macB}]
		if b == nil || b.KeyID != "" || b.Profile != "" {
			t.Errorf("station B = %+v, want no keyid, no profile", b)
		}
	})
}

func TestWiFiConnectDisconnect(t *testing.T) {
	t.Parallel()

	f := newFakeHostapd(t, "phy0-ap0")
	f.handler["STA-FIRST"] = ""

	store := state.NewStore()
	store.SendNoModify(func(s *state.State) { s.SetConfig(testConfig()) })

	startWiFi(t, f, store)

	id := state.ConnectionID{Interface: "phy0-ap0", MAC: macA}

	f.event("<3>AP-STA-CONNECTED " + macA + " keyid=phone")
	waitForState(t, store, func(s *state.State) bool {
		conn := s.Connections[id]
		return conn != nil && conn.KeyID == "phone" && conn.Profile == "guest"
	})

	// Noise on the stream must be ignored.
	f.event("<3>CTRL-EVENT-EAP-STARTED " + macA)

	f.event("<3>AP-STA-DISCONNECTED " + macA)
	waitForState(t, store, func(s *state.State) bool {
		return s.Connections[id] == nil
	})
}

func TestWiFiReconnectKeepsAddresses(t *testing.T) {
	t.Parallel()

	f := newFakeHostapd(t, "phy0-ap0")
	f.handler["STA-FIRST"] = ""

	store := state.NewStore()
	store.SendNoModify(func(s *state.State) { s.SetConfig(testConfig()) })

	startWiFi(t, f, store)

	id := state.ConnectionID{Interface: "phy0-ap0", MAC: macA}
	addr := netip.MustParseAddr("10.0.0.2")

	f.event("<3>AP-STA-CONNECTED " + macA + " keyid=phone")
	waitForState(t, store, func(s *state.State) bool {
		return s.Connections[id] != nil
	})

	// Address learned between the two associations.
	store.SendModify(func(s *state.State) { s.BindAddr(id, addr) })

	f.event("<3>AP-STA-CONNECTED " + macA + " keyid=phone")
	waitForState(t, store, func(s *state.State) bool {
		conn := s.Connections[id]
		if conn == nil {
			return false
		}
		_, ok := conn.IPs[addr]
		return ok
	})
}

func TestWiFiAttachRejected(t *testing.T) {
	t.Parallel()

	f := newFakeHostapd(t, "phy0-ap0")
	f.handler["ATTACH"] = "FAIL"

	m := &monitor.WiFi{
		Interface: f.iface,
		CtrlDir:   f.dir,
		Store:     state.NewStore(),
		Metrics:   newCollector(),
		Logger:    testLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Run(ctx)
	if !errors.Is(err, monitor.ErrAttachRejected) {
		t.Fatalf("Run() error = %v, want ErrAttachRejected", err)
	}
}

// -------------------------------------------------------------------------
// Addrwatch
// -------------------------------------------------------------------------

func newAddrwatch(store *state.Store) *monitor.Addrwatch {
	return &monitor.Addrwatch{
		Command: "addrwatch",
		Store:   store,
		Metrics: newCollector(),
		Logger:  testLogger(),
	}
}

func TestAddrwatchConsume(t *testing.T) {
	t.Parallel()

	store := state.NewStore()
	m := newAddrwatch(store)

	lines := strings.Join([]string{
		"1712345678 phy0-ap0 0 " + macA + " 10.0.0.2 ARP",
		"this line does not parse",
		"1712345679 phy0-ap0 0 " + macA + " fd00::2 ND",
	}, "\n") + "\n"

	if err := m.Consume(context.Background(), strings.NewReader(lines)); err != nil {
		t.Fatalf("Consume() error: %v", err)
	}

	store.Peek(func(s *state.State) {
		conn := s.Connections[state.ConnectionID{Interface: "phy0-ap0", MAC: macA}]
		if conn == nil {
			t.Fatal("address events did not create the connection")
		}
		for _, want := range []string{"10.0.0.2", "fd00::2"} {
			if _, ok := conn.IPs[netip.MustParseAddr(want)]; !ok {
				t.Errorf("address %s not bound", want)
			}
		}
	})
}

func TestAddrwatchMigration(t *testing.T) {
	t.Parallel()

	store := state.NewStore()
	m := newAddrwatch(store)

	lines := "1712345678 phy0-ap0 0 " + macA + " 10.0.0.2 ARP\n" +
		"1712345679 phy0-ap0 0 " + macB + " 10.0.0.2 ARP\n"

	if err := m.Consume(context.Background(), strings.NewReader(lines)); err != nil {
		t.Fatalf("Consume() error: %v", err)
	}

	addr := netip.MustParseAddr("10.0.0.2")
	store.Peek(func(s *state.State) {
		a := s.Connections[state.ConnectionID{Interface: "phy0-ap0", MAC: macA}]
		b := s.Connections[state.ConnectionID{Interface: "phy0-ap0", MAC: macB}]
		if a == nil || b == nil {
			t.Fatal("expected both connections to exist")
		}
		if _, ok := a.IPs[addr]; ok {
			t.Error("old owner still holds the migrated address")
		}
		if _, ok := b.IPs[addr]; !ok {
			t.Error("new owner does not hold the migrated address")
		}
	})
}

func TestAddrwatchChildExitIsError(t *testing.T) {
	t.Parallel()

	store := state.NewStore()
	m := newAddrwatch(store)
	m.Command = "true"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.Run(ctx)
	if !errors.Is(err, monitor.ErrObserverExited) {
		t.Fatalf("Run() error = %v, want ErrObserverExited", err)
	}
}

func TestAddrwatchMissingBinary(t *testing.T) {
	t.Parallel()

	store := state.NewStore()
	m := newAddrwatch(store)
	m.Command = "/nonexistent/addrwatch"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Run(ctx); err == nil {
		t.Fatal("Run() succeeded with a missing binary")
	}
}
