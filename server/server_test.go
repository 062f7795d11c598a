package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"backsync/codec"
	"backsync/message"
	"backsync/middleware"
	"backsync/transport"
)

// taskModel echoes upserts and counts session hooks.
type taskModel struct {
	opened atomic.Int32
	closed atomic.Int32
}

func (m *taskModel) Read(ctx context.Context, data json.RawMessage) (any, error) {
	return map[string]any{"collection": []map[string]any{{"id": 1, "name": "a"}}}, nil
}

func (m *taskModel) Upsert(ctx context.Context, data json.RawMessage) (any, error) {
	return data, nil
}

func (m *taskModel) Fail(ctx context.Context, data json.RawMessage) (any, error) {
	return nil, errors.New("nope")
}

func (m *taskModel) Boom(ctx context.Context, data json.RawMessage) (any, error) {
	panic("model exploded")
}

func (m *taskModel) Who(ctx context.Context, data json.RawMessage) (any, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return nil, errors.New("no session")
	}
	return sess.ID, nil
}

// Not an operation: wrong signature
func (m *taskModel) Helper(x int) int { return x }

func (m *taskModel) OnOpen(*Session)  { m.opened.Add(1) }
func (m *taskModel) OnClose(*Session) { m.closed.Add(1) }

func TestRegisterScansOperations(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("/api/tasks", &taskModel{}); err != nil {
		t.Fatal(err)
	}

	m := svr.models["/api/tasks"]
	for _, verb := range []string{"read", "upsert", "fail", "boom", "who"} {
		if m.method[verb] == nil {
			t.Errorf("expect operation %s", verb)
		}
	}
	if m.method["helper"] != nil {
		t.Fatal("Helper has the wrong signature and must not be registered")
	}

	if err := svr.Register("", &taskModel{}); err == nil {
		t.Fatal("expect error for empty base")
	}
	if err := svr.Register("a:b", &taskModel{}); err == nil {
		t.Fatal("expect error for base containing ':'")
	}
	if err := svr.Register("/api/x", &struct{}{}); err == nil {
		t.Fatal("expect error for model without operations")
	}
}

func TestBusinessHandler(t *testing.T) {
	svr := NewServer()
	svr.Register("/api/tasks", &taskModel{})
	ctx := context.Background()

	cases := []struct {
		name  string
		req   *message.Envelope
		event string
		data  string
		err   string
	}{
		{"read", &message.Envelope{ID: "1", Req: "/api/tasks:read", Data: json.RawMessage(`{}`)},
			"/api/tasks:read", `{"collection":[{"id":1,"name":"a"}]}`, ""},
		{"create is upsert", &message.Envelope{ID: "2", Req: "/api/tasks:create", Data: json.RawMessage(`{"name":"b"}`)},
			"/api/tasks:upsert", `{"name":"b"}`, ""},
		{"legacy event field", &message.Envelope{ID: "3", Event: "/api/tasks:update", Data: json.RawMessage(`{"id":1}`)},
			"/api/tasks:upsert", `{"id":1}`, ""},
		{"unknown model", &message.Envelope{ID: "4", Req: "/api/nothing:read"},
			"/api/nothing:read", "", "Unable to locate model handler for: /api/nothing"},
		{"missing method", &message.Envelope{ID: "5", Req: "/api/tasks:delete"},
			"/api/tasks:delete", "", "Missing Method /api/tasks:delete"},
		{"handler error", &message.Envelope{ID: "6", Req: "/api/tasks:fail"},
			"/api/tasks:fail", "", "nope"},
		{"no verb", &message.Envelope{ID: "7", Req: "/api/tasks"},
			"/api/tasks", "", `invalid operation "/api/tasks"`},
	}
	for _, tc := range cases {
		reply := svr.businessHandler(ctx, tc.req)
		if reply.ID != tc.req.ID {
			t.Errorf("%s: id = %q, want %q", tc.name, reply.ID, tc.req.ID)
		}
		if reply.Event != tc.event {
			t.Errorf("%s: event = %q, want %q", tc.name, reply.Event, tc.event)
		}
		if string(reply.Data) != tc.data {
			t.Errorf("%s: data = %s, want %s", tc.name, reply.Data, tc.data)
		}
		if reply.Error != tc.err {
			t.Errorf("%s: error = %q, want %q", tc.name, reply.Error, tc.err)
		}
	}
}

// rawTCP starts ServeTCP and returns a framed connection to it, like a client that
// speaks the protocol without the sync transport.
func rawTCP(t *testing.T, svr *Server) *transport.FramedConn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeTCP(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	fc := transport.NewFramedConn(conn, codec.CodecTypeJSON, transport.WithPingInterval(0))
	t.Cleanup(func() { fc.Close() })
	return fc
}

func TestServeTCP(t *testing.T) {
	svr := NewServer()
	svr.Register("/api/tasks", &taskModel{})
	conn := rawTCP(t, svr)

	// No id: performed, but nobody gets a reply
	if err := conn.Send(&message.Envelope{Req: "/api/tasks:upsert", Data: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(&message.Envelope{ID: "abc", Req: "/api/tasks:upsert", Data: json.RawMessage(`{"n":2}`)}); err != nil {
		t.Fatal(err)
	}

	reply, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if reply.ID != "abc" {
		t.Fatalf("expect only the reply for abc, got %+v", reply)
	}
	if reply.Event != "/api/tasks:upsert" || string(reply.Data) != `{"n":2}` {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestMiddlewareAndSessionContext(t *testing.T) {
	svr := NewServer()
	svr.Use(middleware.RecoverMiddleware(svr.logger))
	svr.Register("/api/tasks", &taskModel{})
	conn := rawTCP(t, svr)

	conn.Send(&message.Envelope{ID: "1", Req: "/api/tasks:boom"})
	reply, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Error, "EXCEPTION: ") {
		t.Fatalf("expect EXCEPTION reply, got %+v", reply)
	}

	conn.Send(&message.Envelope{ID: "2", Req: "/api/tasks:who"})
	reply, err = conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	var sessionID string
	if err := json.Unmarshal(reply.Data, &sessionID); err != nil || len(sessionID) != 26 {
		t.Fatalf("expect a ulid session id, got %s (%v)", reply.Data, err)
	}
}

func TestSessionHooksAndBroadcast(t *testing.T) {
	svr := NewServer()
	model := &taskModel{}
	svr.Register("/api/tasks", model)
	conn := rawTCP(t, svr)

	deadline := time.Now().Add(2 * time.Second)
	for svr.Sessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if model.opened.Load() != 1 {
		t.Fatalf("expect OnOpen once, got %d", model.opened.Load())
	}

	n, err := svr.PostDelete("/api/tasks", map[string]int{"id": 7})
	if err != nil || n != 1 {
		t.Fatalf("expect 1 delivery, got %d (%v)", n, err)
	}
	push, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if push.ID != "" || push.Event != "/api/tasks:delete" || string(push.Data) != `{"id":7}` {
		t.Fatalf("unexpected push %+v", push)
	}

	conn.Close()
	for svr.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if model.closed.Load() != 1 {
		t.Fatalf("expect OnClose once, got %d", model.closed.Load())
	}
}

func TestBroadcastRejectsInvalidJSON(t *testing.T) {
	svr := NewServer()
	if _, err := svr.Broadcast("x:upsert", json.RawMessage(`{bad`)); err == nil {
		t.Fatal("expect error for invalid raw JSON")
	}
}

func TestNoRequestsTrackedAfterShutdown(t *testing.T) {
	svr := NewServer()
	if !svr.startRequest() {
		t.Fatal("expect request accepted before shutdown")
	}
	svr.wg.Done()

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if svr.startRequest() {
		svr.wg.Done()
		t.Fatal("request accepted after shutdown")
	}
}
