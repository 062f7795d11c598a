// Package server implements the Backsync router: it accepts persistent client
// connections, dispatches "<base>:<verb>" operations to registered models and pushes
// model changes to every connected client.
//
// Request processing pipeline:
//
//	Accept (websocket upgrade or TCP) → serveConn (single goroutine reads envelopes)
//	  → for each request: go handleRequest (parallel processing)
//	    → Middleware Chain → businessHandler (reflect.Call on the model) → reply with the same id
//
// Model changes travel the other way: PostSave and PostDelete broadcast
// "<base>:upsert" / "<base>:delete" events to all sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"backsync/codec"
	"backsync/message"
	"backsync/middleware"
	"backsync/registry"
	"backsync/transport"
)

// Server routes operations to models and fans out push events.
type Server struct {
	logger      *zap.Logger
	serviceName string               // Name the endpoint is registered under
	path        string               // Websocket endpoint path
	tcpCodec    codec.CodecType      // Codec for replies on framed TCP connections
	connOpts    []transport.ConnOption

	mu       sync.RWMutex
	models   map[string]*model   // Registered models: "/api/tasks" → *model
	sessions map[string]*Session // Live sessions by id

	middlewares []middleware.Middleware // Applied in the order added
	handlerOnce sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	listeners   []net.Listener
	httpServers []*http.Server
	wg          sync.WaitGroup // In-flight requests, for graceful shutdown
	shutdown    atomic.Bool

	registry      registry.Registry // nil if not using discovery
	advertiseURLs []string
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithServiceName sets the registry name endpoints are advertised under (default "backsync").
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// WithPath moves the websocket endpoint (default "/backsync").
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithTCPCodec selects the codec used on framed TCP connections (default JSON).
func WithTCPCodec(ct codec.CodecType) Option {
	return func(s *Server) { s.tcpCodec = ct }
}

// WithConnOptions applies connection settings (write timeout, keepalive) to every session.
func WithConnOptions(opts ...transport.ConnOption) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:      zap.NewNop(),
		serviceName: "backsync",
		path:        transport.DefaultPath,
		tcpCodec:    codec.CodecTypeJSON,
		models:      make(map[string]*model),
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register makes rcvr the model for base. Its exported methods of the form
//
//	func(ctx context.Context, data json.RawMessage) (any, error)
//
// become operations; Read, Upsert and Delete are the ones clients use.
func (svr *Server) Register(base string, rcvr any) error {
	m, err := newModel(base, rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	svr.models[base] = m
	svr.mu.Unlock()

	svr.logger.Info("model registered", zap.String("base", base), zap.Strings("verbs", m.verbs()))
	return nil
}

// Use registers a middleware. Middlewares must be added before the first connection.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// chain builds the middleware chain once, on first use.
func (svr *Server) chain() middleware.HandlerFunc {
	svr.handlerOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})
	return svr.handler
}

// modelValues must be called with mu held.
func (svr *Server) modelValues() []any {
	out := make([]any, 0, len(svr.models))
	for _, m := range svr.models {
		out = append(out, m.value)
	}
	return out
}

// businessHandler finds the model and method for the request's operation and calls it.
// It is wrapped by the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	op := req.Operation()
	i := strings.LastIndexByte(op, ':')
	if i <= 0 || i == len(op)-1 {
		return message.NewReply(req.ID, op, nil, fmt.Errorf("invalid operation %q", op))
	}
	base := op[:i]
	verb := string(message.NormalizeVerb(message.Verb(op[i+1:])))
	tag := base + ":" + verb

	svr.mu.RLock()
	m := svr.models[base]
	svr.mu.RUnlock()

	// Error texts below are matched by existing clients
	if m == nil {
		svr.logger.Warn("no model handler", zap.String("base", base))
		return message.NewReply(req.ID, tag, nil, fmt.Errorf("Unable to locate model handler for: %s", base))
	}
	mt := m.method[verb]
	if mt == nil {
		return message.NewReply(req.ID, tag, nil, fmt.Errorf("Missing Method %s", tag))
	}

	result, err := m.call(ctx, mt, req.Data)
	if err != nil {
		return message.NewReply(req.ID, tag, nil, err)
	}
	data, err := marshalData(result)
	if err != nil {
		svr.logger.Error("unable to encode result", zap.String("op", tag), zap.Error(err))
		return message.NewReply(req.ID, tag, nil, fmt.Errorf("encode result: %w", err))
	}
	return message.NewReply(req.ID, tag, data, nil)
}

// Broadcast pushes event to every live session and returns how many got it.
func (svr *Server) Broadcast(event string, data any) (int, error) {
	raw, err := marshalData(data)
	if err != nil {
		return 0, err
	}
	env := message.NewPush(event, raw)

	svr.mu.RLock()
	sessions := make([]*Session, 0, len(svr.sessions))
	for _, s := range svr.sessions {
		sessions = append(sessions, s)
	}
	svr.mu.RUnlock()

	sent := 0
	for _, s := range sessions {
		if err := s.Send(env); err != nil {
			s.logger.Debug("push not delivered", zap.String("event", event), zap.Error(err))
			continue
		}
		sent++
	}
	svr.logger.Debug("broadcast", zap.String("event", event), zap.Int("sessions", sent))
	return sent, nil
}

// PostSave announces a created or updated record of base to all clients.
func (svr *Server) PostSave(base string, record any) (int, error) {
	return svr.Broadcast(message.Channel(base, message.VerbUpsert), record)
}

// PostDelete announces a deleted record of base to all clients.
func (svr *Server) PostDelete(base string, record any) (int, error) {
	return svr.Broadcast(message.Channel(base, message.VerbDelete), record)
}

// Sessions returns the number of connected clients.
func (svr *Server) Sessions() int {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return len(svr.sessions)
}

// Handler returns the HTTP handler serving the websocket endpoint, with access logging.
func (svr *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, req)
			svr.logger.Debug("handled",
				zap.String("method", req.Method),
				zap.String("url", req.URL.String()),
				zap.Duration("duration", m.Duration),
				zap.Int("status", m.Code),
			)
		})
	})
	r.Methods(http.MethodGet).Path(svr.path).HandlerFunc(svr.serveWebSocket)
	return r
}

func (svr *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if svr.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	raw, err := transport.NewWebSocketUpgrader().Upgrade(w, r, nil)
	if err != nil {
		svr.logger.Warn("failed to upgrade", zap.Error(err))
		return
	}
	svr.serveConn(transport.NewWebSocketConn(raw, svr.connOpts...), r.RemoteAddr)
}

// ServeWebSocket serves the websocket endpoint on l until Shutdown.
func (svr *Server) ServeWebSocket(l net.Listener) error {
	hs := &http.Server{Handler: svr.Handler(), ReadHeaderTimeout: 10 * time.Second}
	svr.mu.Lock()
	svr.httpServers = append(svr.httpServers, hs)
	svr.mu.Unlock()

	if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeTCP accepts framed-protocol connections on l until Shutdown.
func (svr *Server) ServeTCP(l net.Listener) error {
	svr.mu.Lock()
	svr.listeners = append(svr.listeners, l)
	svr.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an Accept error
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.serveConn(transport.NewFramedConn(conn, svr.tcpCodec, svr.connOpts...), conn.RemoteAddr().String())
	}
}

// Serve listens on address and serves until Shutdown. advertiseURL picks the flavour:
// a tcp:// URL serves the framed protocol, anything else the websocket endpoint. When
// reg is non-nil the URL is registered so clients can discover this server.
//
// advertiseURL differs from the listen address because ":8080" is not routable for
// other hosts. An empty advertiseURL serves a websocket without registering.
func (svr *Server) Serve(network, address string, advertiseURL string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	tcp := false
	if advertiseURL != "" {
		u, err := url.Parse(advertiseURL)
		if err != nil {
			listener.Close()
			return fmt.Errorf("parse advertise url: %w", err)
		}
		tcp = u.Scheme == "tcp"

		if reg != nil {
			svr.mu.Lock()
			svr.registry = reg
			svr.advertiseURLs = append(svr.advertiseURLs, advertiseURL)
			svr.mu.Unlock()

			// TTL = 10 seconds, KeepAlive renews it while we run
			if err := reg.Register(svr.serviceName, registry.ServiceInstance{Addr: advertiseURL, Weight: 1}, 10); err != nil {
				listener.Close()
				return fmt.Errorf("register %s: %w", advertiseURL, err)
			}
		}
	}

	svr.logger.Info("serving",
		zap.String("listen", listener.Addr().String()),
		zap.String("advertise", advertiseURL),
		zap.Bool("tcp", tcp),
	)
	if tcp {
		return svr.ServeTCP(listener)
	}
	return svr.ServeWebSocket(listener)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop picking this server)
//  2. Set the shutdown flag and close listeners (stop accepting connections)
//  3. Close every session (clients see their outstanding calls fail)
//  4. Wait for in-flight requests to finish, up to timeout
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	reg, urls := svr.registry, svr.advertiseURLs
	svr.advertiseURLs = nil
	svr.mu.Unlock()

	if reg != nil {
		for _, u := range urls {
			if err := reg.Deregister(svr.serviceName, u); err != nil {
				svr.logger.Warn("deregister failed", zap.String("url", u), zap.Error(err))
			}
		}
	}

	// The flag goes first so the Accept error is recognized as intentional
	svr.shutdown.Store(true)

	svr.mu.Lock()
	listeners, servers := svr.listeners, svr.httpServers
	sessions := make([]*Session, 0, len(svr.sessions))
	for _, s := range svr.sessions {
		sessions = append(sessions, s)
	}
	svr.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, hs := range servers {
		// Hijacked websocket connections are not tracked by net/http; sessions are closed below
		hs.Close()
	}
	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.logger.Info("shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
