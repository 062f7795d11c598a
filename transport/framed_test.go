package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"backsync/codec"
	"backsync/message"
	"backsync/protocol"
)

func TestFramedConnSkipsHeartbeats(t *testing.T) {
	a, b := net.Pipe()
	client := NewFramedConn(a, codec.CodecTypeJSON, WithPingInterval(0))
	server := NewFramedConn(b, codec.CodecTypeJSON, WithPingInterval(5*time.Millisecond))
	defer client.Close()
	defer server.Close()

	// Let a few heartbeats go out first
	time.Sleep(30 * time.Millisecond)
	go server.Send(message.NewPush("items:upsert", json.RawMessage(`{"id":1}`)))

	env, err := client.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != "items:upsert" || string(env.Data) != `{"id":1}` {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestFramedConnDecodesPeerCodec(t *testing.T) {
	a, b := net.Pipe()
	client := NewFramedConn(a, codec.CodecTypeJSON, WithPingInterval(0))
	server := NewFramedConn(b, codec.CodecTypeBinary, WithPingInterval(0))
	defer client.Close()
	defer server.Close()

	go server.Send(message.NewReply("7", "items:read", json.RawMessage(`{"collection":[]}`), nil))

	env, err := client.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if env.ID != "7" || env.Event != "items:read" || string(env.Data) != `{"collection":[]}` {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestFramedConnMalformedBody(t *testing.T) {
	a, b := net.Pipe()
	client := NewFramedConn(a, codec.CodecTypeJSON, WithPingInterval(0))
	defer client.Close()
	defer b.Close()

	go func() {
		bad := []byte("{not json")
		protocol.Encode(b, &protocol.Header{CodecType: protocol.CodecTypeJSON, BodyLen: uint32(len(bad))}, bad)
		good, _ := json.Marshal(message.NewPush("items:delete", json.RawMessage(`{"id":2}`)))
		protocol.Encode(b, &protocol.Header{CodecType: protocol.CodecTypeJSON, BodyLen: uint32(len(good))}, good)
	}()

	if _, err := client.Recv(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expect ErrMalformed, got %v", err)
	}
	env, err := client.Recv()
	if err != nil {
		t.Fatalf("connection should survive a malformed body: %v", err)
	}
	if env.Event != "items:delete" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestFramedConnSendAfterClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewFramedConn(a, codec.CodecTypeJSON, WithPingInterval(0))
	c.Close()
	c.Close()

	if err := c.Send(message.NewPush("x:upsert", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

func TestSyncTransportOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// Minimal echo peer: every request is answered with its own payload
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := NewFramedConn(raw, codec.CodecTypeBinary)
		defer conn.Close()
		for {
			env, err := conn.Recv()
			if err != nil {
				return
			}
			conn.Send(message.NewReply(env.ID, env.Operation(), env.Data, nil))
		}
	}()

	d, err := DialerForURL("tcp://"+ln.Addr().String(), codec.CodecTypeBinary)
	if err != nil {
		t.Fatal(err)
	}
	tr := New(d)
	defer tr.Close()
	tr.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := tr.Call(ctx, "items:update", map[string]any{"id": 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"id":3}` {
		t.Fatalf("unexpected reply %s", data)
	}
}

func TestDialerForURL(t *testing.T) {
	d, err := DialerForURL(EndpointForHost("example.com:8080"), codec.CodecTypeJSON)
	if err != nil {
		t.Fatal(err)
	}
	ws, ok := d.(*WebSocketDialer)
	if !ok || ws.URL != "ws://example.com:8080/backsync" {
		t.Fatalf("unexpected dialer %#v", d)
	}

	d, err = DialerForURL("tcp://10.0.0.1:9000", codec.CodecTypeBinary)
	if err != nil {
		t.Fatal(err)
	}
	if tcp, ok := d.(*TCPDialer); !ok || tcp.Addr != "10.0.0.1:9000" || tcp.Codec != codec.CodecTypeBinary {
		t.Fatalf("unexpected dialer %#v", d)
	}

	for _, bad := range []string{"http://example.com", "tcp://", "://"} {
		if _, err := DialerForURL(bad, codec.CodecTypeJSON); err == nil {
			t.Errorf("DialerForURL(%q) should fail", bad)
		}
	}
}
