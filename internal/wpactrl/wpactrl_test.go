package wpactrl_test

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Start9Labs/startwrt/internal/wpactrl"
)

// fakeController is a minimal in-process stand-in for hostapd's control
// socket: a unixgram listener that scripts responses and can push
// unsolicited events.
type fakeController struct {
	t    *testing.T
	conn *net.UnixConn
	path string

	// handler maps a request to its reply. Unknown requests get "UNKNOWN".
	handler map[string]string

	peer chan *net.UnixAddr
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ctrl")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}

	f := &fakeController{
		t:       t,
		conn:    conn,
		path:    path,
		handler: make(map[string]string),
		peer:    make(chan *net.UnixAddr, 1),
	}
	t.Cleanup(func() { conn.Close() })

	go f.serve()
	return f
}

func (f *fakeController) serve() {
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

		req := string(buf[:n])
		reply, ok := f.handler[req]
		if !ok {
			reply = "UNKNOWN"
		}
		if _, err := f.conn.WriteToUnix([]byte(reply), addr); err != nil {
			return
		}
	}
}

// event pushes an unsolicited event to the first client address the
// controller learned.
func (f *fakeController) event(msg string) {
	f.t.Helper()
	select {
	case addr := <-f.peer:
		if _, err := f.conn.WriteToUnix([]byte(msg), addr); err != nil {
			f.t.Fatalf("send event: %v", err)
		}
		// Keep the address for further events.
		f.peer <- addr
	case <-time.After(time.Second):
		f.t.Fatal("no client address learned yet")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()

	f := newFakeController(t)
	f.handler["PING"] = "PONG"
	f.handler["ATTACH"] = "OK"

	c, err := wpactrl.Open(f.path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := c.Request(ctx, "PING")
	if err != nil {
		t.Fatalf("Request(PING) error: %v", err)
	}
	if got != "PONG" {
		t.Errorf("Request(PING) = %q, want PONG", got)
	}

	got, err = c.Request(ctx, "ATTACH")
	if err != nil {
		t.Fatalf("Request(ATTACH) error: %v", err)
	}
	if got != "OK" {
		t.Errorf("Request(ATTACH) = %q, want OK", got)
	}
}

func TestEventsBypassResponses(t *testing.T) {
	t.Parallel()

	f := newFakeController(t)
	f.handler["PING"] = "PONG"

	c, err := wpactrl.Open(f.path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer c.Close()

	sub := c.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Teach the controller our address, then interleave an event with a
	// request/response exchange.
	if _, err := c.Request(ctx, "PING"); err != nil {
		t.Fatalf("Request error: %v", err)
	}

	f.event("<3>AP-STA-CONNECTED aa:bb:cc:dd:ee:ff keyid=phone")

	got, err := c.Request(ctx, "PING")
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if got != "PONG" {
		t.Errorf("response = %q, want PONG (event must not satisfy the request)", got)
	}

	select {
	case ev := <-sub.Events():
		if ev != "<3>AP-STA-CONNECTED aa:bb:cc:dd:ee:ff keyid=phone" {
			t.Errorf("event = %q", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	f := newFakeController(t)
	f.handler["PING"] = "PONG"

	c, err := wpactrl.Open(f.path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer c.Close()

	sub := c.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Request(ctx, "PING"); err != nil {
		t.Fatalf("Request error: %v", err)
	}

	// Overflow the subscriber's buffer without reading. The reader must
	// keep going (drop, not block): the final request still completes.
	for range 64 {
		f.event("<3>AP-STA-CONNECTED aa:bb:cc:dd:ee:ff")
	}

	if _, err := c.Request(ctx, "PING"); err != nil {
		t.Fatalf("Request after event burst: %v", err)
	}
}

func TestRequestContextCancelled(t *testing.T) {
	t.Parallel()

	// A controller that never answers: bind the socket but do not serve.
	path := filepath.Join(t.TempDir(), "ctrl")
	ln, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer ln.Close()

	c, err := wpactrl.Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Request(ctx, "PING"); err == nil {
		t.Fatal("Request returned without a response")
	}
}

func TestCloseUnblocksRequest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ctrl")
	ln, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer ln.Close()

	c, err := wpactrl.Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, reqErr := c.Request(context.Background(), "PING")
		done <- reqErr
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Request succeeded after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Request still blocked after Close")
	}
}

func TestCloseClosesSubscriptions(t *testing.T) {
	t.Parallel()

	f := newFakeController(t)

	c, err := wpactrl.Open(f.path, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	sub := c.Subscribe()
	c.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected event after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed by Close")
	}
}
