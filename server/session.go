package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"backsync/message"
	"backsync/transport"
)

// Session is one connected client.
type Session struct {
	ID         string
	RemoteAddr string

	conn   transport.Conn
	logger *zap.Logger
}

func newSession(conn transport.Conn, remote string, logger *zap.Logger) *Session {
	id := ulid.Make().String()
	return &Session{
		ID:         id,
		RemoteAddr: remote,
		conn:       conn,
		logger:     logger.With(zap.String("session", id)),
	}
}

// Send writes env to this client.
func (s *Session) Send(env *message.Envelope) error {
	return s.conn.Send(env)
}

// Push sends an unsolicited event to this client only.
func (s *Session) Push(event string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return s.conn.Send(message.NewPush(event, raw))
}

// Close drops the connection; the client sees every outstanding call fail.
func (s *Session) Close() error {
	return s.conn.Close()
}

type sessionKey struct{}

// SessionFromContext returns the session a model operation was called from.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// SessionOpener and SessionCloser are optional model hooks run when a client connects
// or disconnects.
type SessionOpener interface {
	OnOpen(*Session)
}

type SessionCloser interface {
	OnClose(*Session)
}

// serveConn runs one session: a single reader, one goroutine per request, so a slow
// model does not hold up other requests on the same connection.
func (svr *Server) serveConn(conn transport.Conn, remote string) {
	sess := newSession(conn, remote, svr.logger)
	if !svr.addSession(sess) {
		conn.Close()
		return
	}
	defer svr.removeSession(sess)

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), sessionKey{}, sess))
	defer cancel()

	handler := svr.chain()
	for {
		env, err := conn.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrMalformed) {
				sess.logger.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			sess.logger.Debug("session ended", zap.Error(err))
			return
		}
		if env.Operation() == "" {
			sess.logger.Warn("dropping message without operation", zap.String("id", env.ID))
			continue
		}

		if !svr.startRequest() {
			sess.logger.Debug("dropping request during shutdown", zap.String("id", env.ID))
			return
		}
		go func() {
			defer svr.wg.Done()
			svr.handleRequest(ctx, sess, handler, env)
		}()
	}
}

// startRequest counts a request in the shutdown WaitGroup unless Shutdown has begun.
// Shutdown takes mu after setting the flag, so an Add here never races its Wait.
func (svr *Server) startRequest() bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) handleRequest(ctx context.Context, sess *Session, handler func(context.Context, *message.Envelope) *message.Envelope, req *message.Envelope) {
	reply := handler(ctx, req)

	// Fire-and-forget: nobody is waiting for an answer
	if req.ID == "" || reply == nil {
		return
	}
	reply.ID = req.ID
	if err := sess.Send(reply); err != nil {
		sess.logger.Debug("reply not delivered", zap.String("id", req.ID), zap.Error(err))
	}
}

func (svr *Server) addSession(sess *Session) bool {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return false
	}
	svr.sessions[sess.ID] = sess
	models := svr.modelValues()
	svr.mu.Unlock()

	sess.logger.Info("session open", zap.String("remote", sess.RemoteAddr))
	for _, m := range models {
		if h, ok := m.(SessionOpener); ok {
			h.OnOpen(sess)
		}
	}
	return true
}

func (svr *Server) removeSession(sess *Session) {
	svr.mu.Lock()
	delete(svr.sessions, sess.ID)
	models := svr.modelValues()
	svr.mu.Unlock()

	sess.conn.Close()
	for _, m := range models {
		if h, ok := m.(SessionCloser); ok {
			h.OnClose(sess)
		}
	}
	sess.logger.Info("session closed")
}

// marshalData encodes a handler result or push payload. json.RawMessage and []byte
// are passed through as long as they hold valid JSON.
func marshalData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(d) > 0 && !json.Valid(d) {
			return nil, fmt.Errorf("invalid JSON data")
		}
		return d, nil
	case []byte:
		if len(d) > 0 && !json.Valid(d) {
			return nil, fmt.Errorf("invalid JSON data")
		}
		return json.RawMessage(d), nil
	}
	return json.Marshal(v)
}
