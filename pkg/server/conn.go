package server

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// sendQueueSize bounds the per-connection outbound queue. A recipient
// that falls further behind than this starts losing broadcasts instead
// of stalling the hub.
const sendQueueSize = 64

// transport is a message-oriented duplex channel. Implementations own
// the wire framing; TCP uses the length-prefixed codec from
// pkg/protocol, WebSocket maps one websocket message to one frame.
type transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
	RemoteAddr() string
	SetReadDeadline(t time.Time) error
}

// Conn wraps a transport with a serialized writer and a bounded
// outbound queue. Direct replies use Send; broadcast fan-out uses
// TrySend, which never blocks the caller.
type Conn struct {
	tr        transport
	writeMu   sync.Mutex
	sendq     chan string
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(tr transport) *Conn {
	c := &Conn{
		tr:    tr,
		sendq: make(chan string, sendQueueSize),
		done:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case text := <-c.sendq:
			c.write(text)
		case <-c.done:
			// Drain whatever was queued before the close.
			for {
				select {
				case text := <-c.sendq:
					c.write(text)
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.tr.WriteMessage([]byte(text)); err != nil {
		slog.Debug("send failed", "remote", c.RemoteAddr(), "err", err)
	}
}

// Send writes text to the connection synchronously. Used for direct
// replies on the auth path, where ordering relative to the next
// broadcast matters.
func (c *Conn) Send(text string) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.tr.WriteMessage([]byte(text))
}

// TrySend enqueues text without blocking. Returns false when the
// connection is closed or its queue is full; the caller treats that as
// a dropped best-effort delivery.
func (c *Conn) TrySend(text string) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.sendq <- text:
		return true
	default:
		return false
	}
}

// ReadMessage reads the next inbound frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	return c.tr.ReadMessage()
}

// SetReadDeadline bounds the next read; the zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.tr.SetReadDeadline(t)
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.tr.RemoteAddr()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close shuts the connection down. Safe to call more than once and
// from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.tr.Close()
	})
}

// tcpTransport frames messages over a stream connection using the
// length-prefixed codec.
type tcpTransport struct {
	conn net.Conn
	br   *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, br: bufio.NewReader(conn)}
}

func (t *tcpTransport) ReadMessage() ([]byte, error) {
	return protocol.ReadFrame(t.br)
}

func (t *tcpTransport) WriteMessage(payload []byte) error {
	return protocol.WriteFrame(t.conn, payload)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}
