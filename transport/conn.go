// Package transport implements the Backsync client: one persistent connection that
// multiplexes many request/reply exchanges and carries server push events.
//
//	Request(op=a:read, id=1) ──┐
//	Request(op=b:upsert, id=2) ┼──→ single Conn ──→ server
//	Request(op=a:delete, id=3) ┘
//
//	readLoop: ←── {id:2,...} → pending[2] → onSuccess/onError
//	          ←── {event:"a:upsert",...} → Bus subscribers of "a:upsert"
//
// The connection itself is abstracted as a Conn so the same correlator runs over a
// websocket (the browser-compatible endpoint) or a framed TCP stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"backsync/codec"
	"backsync/message"
)

// Conn is one established duplex envelope connection.
type Conn interface {
	// Send writes one envelope. Safe for concurrent use.
	Send(env *message.Envelope) error
	// Recv blocks for the next envelope. An error wrapping ErrMalformed means one message
	// could not be decoded and the connection is still usable; any other error is final.
	Recv() (*message.Envelope, error)
	Close() error
}

// Dialer opens new connections. Every call must return a fresh Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// DefaultPath is where servers mount the Backsync endpoint.
const DefaultPath = "/backsync"

// EndpointForHost returns the well-known websocket endpoint on host ("example.com:8080").
func EndpointForHost(host string) string {
	return "ws://" + host + DefaultPath
}

// DialerForURL picks a dialer by URL scheme: ws and wss dial a websocket, tcp dials a
// framed stream using the given codec.
func DialerForURL(rawURL string, ct codec.CodecType, opts ...ConnOption) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return &WebSocketDialer{URL: rawURL, Options: opts}, nil
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("endpoint %q has no host", rawURL)
		}
		return &TCPDialer{Addr: u.Host, Codec: ct, Options: opts}, nil
	}
	return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
}

var (
	// ErrClosed is delivered to every outstanding call when the connection drops.
	ErrClosed = errors.New("CLOSED")
	// ErrTimeout is delivered when a per-call deadline expires before the reply.
	ErrTimeout = errors.New("request timed out")
	// ErrMalformed marks an inbound message that could not be decoded.
	ErrMalformed = errors.New("malformed message")
)

// ServerError is a failure reported by the server in a reply's error field.
type ServerError struct {
	Op      string // Operation tag of the failed request
	Message string
}

func (e *ServerError) Error() string {
	if e.Op == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error on %s: %s", e.Op, e.Message)
}
