package server

import (
	"context"
	"net"
	"testing"
	"time"

	"backsync/codec"
	"backsync/transport"
)

func setupTransport(b *testing.B, ct codec.CodecType) *transport.SyncTransport {
	svr := NewServer(WithTCPCodec(ct))
	if err := svr.Register("/api/tasks", &taskModel{}); err != nil {
		b.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.ServeTCP(ln)

	tr := transport.New(&transport.TCPDialer{Addr: ln.Addr().String(), Codec: ct})
	tr.Connect()
	if err := tr.WaitOpen(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		tr.Close()
		svr.Shutdown(3 * time.Second)
	})
	return tr
}

// One goroutine, one call at a time
func BenchmarkSerialCall(b *testing.B) {
	tr := setupTransport(b, codec.CodecTypeJSON)
	ctx := context.Background()
	payload := map[string]int{"id": 1}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := tr.Call(ctx, "/api/tasks:update", payload); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing the one connection
func BenchmarkConcurrentCall(b *testing.B) {
	tr := setupTransport(b, codec.CodecTypeBinary)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		payload := map[string]int{"id": 1}
		for pb.Next() {
			if _, err := tr.Call(ctx, "/api/tasks:update", payload); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
