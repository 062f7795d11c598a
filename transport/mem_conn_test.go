package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"backsync/message"
)

type frame struct {
	env *message.Envelope
	err error
}

// memConn is one end of an in-memory Conn pair.
type memConn struct {
	in     chan frame
	peer   *memConn
	closed chan struct{}
	once   sync.Once
}

func newPipe() (*memConn, *memConn) {
	a := &memConn{in: make(chan frame, 256), closed: make(chan struct{})}
	b := &memConn{in: make(chan frame, 256), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) Send(env *message.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peer.closed:
		return ErrClosed
	default:
	}
	c.peer.in <- frame{env: env}
	return nil
}

// inject delivers a receive error to this end without closing it.
func (c *memConn) inject(err error) {
	c.in <- frame{err: err}
}

func (c *memConn) Recv() (*message.Envelope, error) {
	// Drain buffered frames before reporting a close
	select {
	case f := <-c.in:
		return f.env, f.err
	default:
	}
	select {
	case f := <-c.in:
		return f.env, f.err
	case <-c.closed:
		return nil, io.EOF
	case <-c.peer.closed:
		return nil, io.EOF
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// expect reads the next envelope arriving at c or fails the test.
func (c *memConn) expect(t *testing.T) *message.Envelope {
	t.Helper()
	select {
	case f := <-c.in:
		if f.err != nil {
			t.Fatalf("unexpected error frame: %v", f.err)
		}
		return f.env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope")
		return nil
	}
}

// pipeDialer hands out a fresh pipe per Dial and keeps the server ends.
type pipeDialer struct {
	mu      sync.Mutex
	servers chan *memConn
	fail    error
	gate    chan struct{} // when non-nil, Dial blocks until it is closed
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan *memConn, 16)}
}

func (d *pipeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	gate, fail := d.gate, d.fail
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	client, server := newPipe()
	d.servers <- server
	return client, nil
}

func (d *pipeDialer) nextServer(t *testing.T) *memConn {
	t.Helper()
	select {
	case s := <-d.servers:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// connected returns an OPEN transport and the server end of its connection.
func connected(t *testing.T, opts ...Option) (*SyncTransport, *memConn, *pipeDialer) {
	t.Helper()
	d := newPipeDialer()
	tr := New(d, opts...)
	tr.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.WaitOpen(ctx); err != nil {
		t.Fatalf("WaitOpen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, d.nextServer(t), d
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
