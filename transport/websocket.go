package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"backsync/codec"
	"backsync/message"
)

// WebSocketConn carries envelopes as JSON text messages on a websocket.
type WebSocketConn struct {
	conn   *websocket.Conn
	config ConnConfig
	codec  codec.Codec

	mu        sync.Mutex // gorilla allows one concurrent writer
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketConn wraps an established websocket (dialed or upgraded).
func NewWebSocketConn(conn *websocket.Conn, opts ...ConnOption) *WebSocketConn {
	cfg := buildConnConfig(opts)
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &WebSocketConn{
		conn:   conn,
		config: cfg,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		done:   make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		go c.pingLoop(cfg.PingInterval)
	}
	return c
}

// NewWebSocketUpgrader creates an upgrader for accepting Backsync connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func (c *WebSocketConn) Send(env *message.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketConn) Recv() (*message.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	env := &message.Envelope{}
	if err := c.codec.Decode(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// Close sends a close frame and tears the socket down. Safe to call more than once.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			c.mu.Unlock()
			if err != nil {
				return // Connection broken, the read side will notice
			}
		}
	}
}

// WebSocketDialer dials a Backsync websocket endpoint such as ws://host/backsync.
type WebSocketDialer struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer // nil = websocket.DefaultDialer
	Options []ConnOption
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return NewWebSocketConn(conn, d.Options...), nil
}
