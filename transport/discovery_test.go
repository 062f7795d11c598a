package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"backsync/codec"
	"backsync/loadbalance"
	"backsync/message"
	"backsync/registry"
)

// namedPeer answers every request with the peer's name.
func namedPeer(t *testing.T, name string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn := NewFramedConn(raw, codec.CodecTypeJSON)
				defer conn.Close()
				for {
					env, err := conn.Recv()
					if err != nil {
						return
					}
					conn.Send(message.NewReply(env.ID, env.Operation(), []byte(`"`+name+`"`), nil))
				}
			}()
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func TestDiscoveryDialerNoInstances(t *testing.T) {
	d := &DiscoveryDialer{
		Registry: registry.NewStaticRegistry(),
		Balancer: &loadbalance.RoundRobinBalancer{},
		Service:  "backsync",
	}
	if _, err := d.Dial(context.Background()); !errors.Is(err, loadbalance.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestDiscoveryDialerReconnectPicksNextInstance(t *testing.T) {
	reg := registry.NewStaticRegistry()
	reg.Register("backsync", registry.ServiceInstance{Addr: namedPeer(t, "a"), Weight: 1}, 10)
	reg.Register("backsync", registry.ServiceInstance{Addr: namedPeer(t, "b"), Weight: 1}, 10)

	tr := New(&DiscoveryDialer{
		Registry: reg,
		Balancer: &loadbalance.RoundRobinBalancer{},
		Service:  "backsync",
		Codec:    codec.CodecTypeJSON,
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var names []string
	for i := 0; i < 2; i++ {
		tr.Connect()
		data, err := tr.Call(ctx, "items:read", nil)
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, string(data))
		tr.Close()
	}
	if names[0] != `"a"` || names[1] != `"b"` {
		t.Fatalf("expect one connection per instance, got %v", names)
	}
}
