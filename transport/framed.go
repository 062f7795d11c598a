package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"backsync/codec"
	"backsync/message"
	"backsync/protocol"
)

// FramedConn carries envelopes over a raw stream using the protocol frame layer.
// Heartbeat frames keep idle connections from being reaped and are skipped on read.
type FramedConn struct {
	conn      net.Conn
	codec     codec.Codec
	config    ConnConfig
	sending   sync.Mutex // header and body of one frame must not interleave with another
	done      chan struct{}
	closeOnce sync.Once
}

// NewFramedConn wraps an established stream (dialed or accepted).
func NewFramedConn(conn net.Conn, ct codec.CodecType, opts ...ConnOption) *FramedConn {
	cfg := buildConnConfig(opts)
	c := &FramedConn{
		conn:   conn,
		codec:  codec.GetCodec(ct),
		config: cfg,
		done:   make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		go c.heartbeatLoop(cfg.PingInterval)
	}
	return c
}

func (c *FramedConn) Send(env *message.Envelope) error {
	body, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	header := &protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeData,
		BodyLen:   uint32(len(body)),
	}
	return c.write(header, body)
}

func (c *FramedConn) write(header *protocol.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return protocol.Encode(c.conn, header, body)
}

func (c *FramedConn) Recv() (*message.Envelope, error) {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			return nil, err
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		// The peer may use either codec; the header says which
		env := &message.Envelope{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return env, nil
	}
}

func (c *FramedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// heartbeatLoop sends empty heartbeat frames until the connection is closed or broken.
func (c *FramedConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
				return
			}
		}
	}
}

// TCPDialer dials a framed Backsync endpoint.
type TCPDialer struct {
	Addr    string
	Codec   codec.CodecType
	Options []ConnOption
}

func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	return NewFramedConn(conn, d.Codec, d.Options...), nil
}
