package server

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory transport for driving handlers without
// a network. Frames pushed into inbox come out of ReadMessage; writes
// are recorded for later assertion.
type fakeTransport struct {
	mu    sync.Mutex
	wrote []string

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	remote string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
		remote: "fake:1234",
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case payload := <-t.inbox:
		return payload, nil
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *fakeTransport) WriteMessage(payload []byte) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wrote = append(t.wrote, string(payload))
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return t.remote }

func (t *fakeTransport) SetReadDeadline(time.Time) error { return nil }

// push delivers an inbound frame to the handler.
func (t *fakeTransport) push(payload string) {
	t.inbox <- []byte(payload)
}

// writes returns a copy of everything written so far.
func (t *fakeTransport) writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.wrote))
	copy(out, t.wrote)
	return out
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// blockingTransport blocks every write until release is closed. Used to
// back the write queue up on purpose.
type blockingTransport struct {
	fakeTransport
	release chan struct{}
}

func newBlockingTransport() *blockingTransport {
	bt := &blockingTransport{release: make(chan struct{})}
	bt.inbox = make(chan []byte, 16)
	bt.closed = make(chan struct{})
	bt.remote = "fake:1234"
	return bt
}

func (t *blockingTransport) WriteMessage(payload []byte) error {
	<-t.release
	return t.fakeTransport.WriteMessage(payload)
}

func TestConnSendWritesDirectly(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft)
	defer c.Close()

	if err := c.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := ft.writes()
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("writes = %v, want [hello]", got)
	}
}

func TestConnSendAfterClose(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft)
	c.Close()

	if err := c.Send("hello"); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close = %v, want net.ErrClosed", err)
	}
	if !c.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestConnTrySendDelivers(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft)
	defer c.Close()

	if !c.TrySend("queued") {
		t.Fatal("TrySend refused on an open connection")
	}
	waitFor(t, "queued frame delivery", func() bool {
		got := ft.writes()
		return len(got) == 1 && got[0] == "queued"
	})
}

func TestConnTrySendAfterClose(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft)
	c.Close()

	if c.TrySend("late") {
		t.Error("TrySend succeeded on a closed connection")
	}
}

func TestConnTrySendFullQueue(t *testing.T) {
	bt := newBlockingTransport()
	c := newConn(bt)
	defer c.Close()

	// First frame occupies the write loop; the rest fill the queue.
	for i := 0; i <= sendQueueSize; i++ {
		if !c.TrySend("frame") {
			// The write loop may not have picked up the first frame
			// yet, leaving exactly sendQueueSize slots.
			if i < sendQueueSize {
				t.Fatalf("TrySend failed at %d with queue capacity %d", i, sendQueueSize)
			}
			break
		}
	}
	waitFor(t, "queue saturation", func() bool { return !c.TrySend("overflow") })

	close(bt.release)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft)
	c.Close()
	c.Close() // must not panic
}
