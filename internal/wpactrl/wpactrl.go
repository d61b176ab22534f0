// Package wpactrl implements a client for hostapd's control interface.
//
// The control interface is a Unix-domain datagram socket. To receive
// replies the client must bind its own unique local path; the client
// creates one under the OS temp directory from the process id and an
// atomic counter, then connects the socket to the controller.
//
// One background goroutine reads every datagram from the socket and
// demultiplexes it: datagrams whose first byte is '<' are unsolicited
// events and go to a lossy broadcast; everything else is the response
// to the most recent request and completes the single response slot.
// The client supports at most one in-flight request; callers must
// serialize.
package wpactrl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// bufSize is the receive buffer for a single control datagram. hostapd
// replies (station records, config dumps) fit comfortably.
const bufSize = 10 * 1024

// recvSockBuf is the kernel receive buffer requested for the socket, so
// event bursts during association storms are not dropped by the kernel
// before the reader drains them.
const recvSockBuf = 256 * 1024

// eventBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind loses events; see Subscription.
const eventBuffer = 8

// ErrClosed is returned by a Request that is awaiting its response when
// the reader stops (for example because Close was called). A Request
// issued after Close fails on the send instead.
var ErrClosed = errors.New("control socket client closed")

// counter disambiguates bind paths of multiple clients in one process.
var counter atomic.Uint64

// Client is a connection to one hostapd control socket.
type Client struct {
	conn     *net.UnixConn
	bindPath string
	logger   *slog.Logger

	resp chan string
	done chan struct{}

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	closeOnce sync.Once
}

// Open binds a fresh local datagram socket, connects it to the control
// socket at ctrlPath, and starts the reader goroutine.
func Open(ctrlPath string, logger *slog.Logger) (*Client, error) {
	bindPath := filepath.Join(os.TempDir(),
		fmt.Sprintf("secprof_ctrl_%d-%d", os.Getpid(), counter.Add(1)))

	laddr := &net.UnixAddr{Name: bindPath, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: ctrlPath, Net: "unixgram"}

	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", ctrlPath, err)
	}

	// hostapd may run under another uid; it must be able to send
	// datagrams back to our bind path.
	if err := os.Chmod(bindPath, 0o666); err != nil {
		conn.Close()
		os.Remove(bindPath)
		return nil, fmt.Errorf("chmod bind path %s: %w", bindPath, err)
	}

	if err := setRecvBuffer(conn, recvSockBuf); err != nil {
		logger.Warn("could not grow control socket receive buffer",
			slog.String("error", err.Error()),
		)
	}

	c := &Client{
		conn:     conn,
		bindPath: bindPath,
		logger: logger.With(
			slog.String("component", "wpactrl"),
			slog.String("ctrl", ctrlPath),
		),
		resp: make(chan string, 1),
		done: make(chan struct{}),
		subs: make(map[*Subscription]struct{}),
	}

	go c.readLoop()

	return c, nil
}

// setRecvBuffer sets SO_RCVBUF on the underlying socket.
func setRecvBuffer(conn *net.UnixConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw control socket: %w", err)
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	}); err != nil {
		return fmt.Errorf("control raw socket: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_RCVBUF: %w", sockErr)
	}
	return nil
}

// readLoop receives datagrams until the socket fails (typically because
// Close tore it down) and demultiplexes events from responses.
func (c *Client) readLoop() {
	defer close(c.done)

	buf := make([]byte, bufSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.logger.Error("control socket read failed",
				slog.String("error", err.Error()),
			)
			return
		}

		if !utf8.Valid(buf[:n]) {
			c.logger.Error("control socket sent non-utf8 datagram",
				slog.Int("len", n),
			)
			continue
		}
		msg := strings.TrimSpace(string(buf[:n]))

		if strings.HasPrefix(msg, "<") {
			c.logger.Debug("event", slog.String("msg", msg))
			c.broadcast(msg)
			continue
		}

		c.logger.Debug("response", slog.String("msg", msg))
		// Single-slot cell: a response nobody awaited is replaced by
		// the next one.
		select {
		case <-c.resp:
		default:
		}
		c.resp <- msg
	}
}

// broadcast fans an event out to all subscribers, dropping it for any
// subscriber whose buffer is full.
func (c *Client) broadcast(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber; losing events is fine, the monitors
			// reconcile from enumeration and the store coalesces.
		}
	}
}

// Subscription is one subscriber's lossy view of the event stream.
type Subscription struct {
	c  *Client
	ch chan string
}

// Events returns the channel unsolicited events arrive on. The channel
// is closed when the client shuts down.
func (s *Subscription) Events() <-chan string {
	return s.ch
}

// Close removes the subscription.
func (s *Subscription) Close() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.subs[s]; ok {
		delete(s.c.subs, s)
		close(s.ch)
	}
}

// Subscribe registers a new event subscriber. Subscribe before issuing
// the command that starts the event flow (ATTACH) so no event is lost.
func (c *Client) Subscribe() *Subscription {
	sub := &Subscription{c: c, ch: make(chan string, eventBuffer)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub] = struct{}{}
	return sub
}

// Request sends cmd as one datagram and waits for the next response
// datagram. At most one request may be in flight per client; callers
// must serialize. The context bounds the wait: on cancellation the
// response (if it ever arrives) is left in the slot for the next
// request to discard.
func (c *Client) Request(ctx context.Context, cmd string) (string, error) {
	// Drop a stale response a cancelled predecessor left behind.
	select {
	case <-c.resp:
	default:
	}

	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	c.logger.Debug("sent command", slog.String("cmd", cmd))

	select {
	case msg := <-c.resp:
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}
}

// Close stops the reader, closes the socket, and unlinks the bind
// path. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
		os.Remove(c.bindPath)

		c.mu.Lock()
		for sub := range c.subs {
			delete(c.subs, sub)
			close(sub.ch)
		}
		c.mu.Unlock()
	})
	return err
}
