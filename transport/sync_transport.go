package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"backsync/events"
	"backsync/message"
)

// State is the lifecycle state of the underlying connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

// attempt is one connection, from dial to close. A reconnect always starts a new attempt;
// a closed attempt is never reused.
type attempt struct {
	conn   Conn
	cancel context.CancelFunc
	opened chan struct{} // closed once the dial succeeded
	done   chan struct{} // closed once the attempt has ended
	ended  bool          // protected by SyncTransport.mu
}

// SyncTransport owns one persistent connection and multiplexes requests and push events
// over it.
//
// Calls are at most once per connection: when the connection drops, every outstanding
// call fails with ErrClosed and nothing is resent after a reconnect. Retrying is up to
// the caller.
//
// Replies and push events for one connection are delivered serially from its read
// goroutine, in arrival order. The close sweep runs on whichever goroutine noticed the
// close. Continuations and handlers run without internal locks held and may call back
// into the transport.
type SyncTransport struct {
	dialer Dialer
	logger *zap.Logger
	bus    events.Bus
	newID  func() string

	reconnect     bool
	reconnectBase time.Duration
	reconnectMax  time.Duration
	callTimeout   time.Duration
	dialTimeout   time.Duration

	mu             sync.Mutex
	state          State
	attempt        *attempt
	pending        map[string]*pendingCall // correlation id → waiting caller
	queue          []*message.Envelope     // requests waiting for the next open
	shutdown       bool                    // set by Close, stops automatic reconnects
	reconnectTimer *time.Timer
	backoff        time.Duration
}

type Option func(*SyncTransport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *SyncTransport) { t.logger = logger }
}

// WithReconnect turns on automatic reconnection after a close, waiting base, 2·base, 4·base…
// up to max between attempts. The delay resets after a successful open.
// Without it, reconnecting is manual (call Connect again).
func WithReconnect(base, max time.Duration) Option {
	return func(t *SyncTransport) {
		t.reconnect = true
		t.reconnectBase = base
		t.reconnectMax = max
	}
}

// WithCallTimeout fails a call with ErrTimeout if no reply arrived within d.
// The default is to wait until a reply or a close.
func WithCallTimeout(d time.Duration) Option {
	return func(t *SyncTransport) { t.callTimeout = d }
}

// WithDialTimeout bounds a single dial (default 10s).
func WithDialTimeout(d time.Duration) Option {
	return func(t *SyncTransport) { t.dialTimeout = d }
}

// WithIDGenerator replaces the uuid correlation id generator.
func WithIDGenerator(gen func() string) Option {
	return func(t *SyncTransport) { t.newID = gen }
}

// New creates a transport in state CLOSED. Nothing is dialed until Connect.
func New(dialer Dialer, opts ...Option) *SyncTransport {
	t := &SyncTransport{
		dialer:      dialer,
		logger:      zap.NewNop(),
		newID:       uuid.NewString,
		dialTimeout: 10 * time.Second,
		pending:     make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.reconnectBase <= 0 {
		t.reconnectBase = time.Second
	}
	if t.reconnectMax < t.reconnectBase {
		t.reconnectMax = t.reconnectBase
	}
	return t
}

// Connect starts a fresh connection attempt if the transport is CLOSED and is a no-op
// otherwise. It does not block: requests issued before the connection opens are held
// and sent on open. Connect after Close is allowed and re-enables reconnects.
func (t *SyncTransport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdown = false
	t.connectLocked()
}

func (t *SyncTransport) connectLocked() {
	if t.state != StateClosed {
		return
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	a := &attempt{
		cancel: cancel,
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.attempt = a
	t.state = StateConnecting
	t.logger.Debug("connecting")

	go t.dial(ctx, a)
}

func (t *SyncTransport) dial(ctx context.Context, a *attempt) {
	conn, err := t.dialer.Dial(ctx)
	a.cancel()
	if err != nil {
		t.logger.Warn("dial failed", zap.Error(err))
		t.handleClose(a, err)
		return
	}
	t.handleOpen(a, conn)
}

// handleOpen moves to OPEN, starts reading and flushes requests that were waiting.
func (t *SyncTransport) handleOpen(a *attempt, conn Conn) {
	t.mu.Lock()
	if a.ended || t.attempt != a {
		// Closed while the dial was in flight
		t.mu.Unlock()
		conn.Close()
		return
	}
	a.conn = conn
	t.state = StateOpen
	t.backoff = 0
	queued := t.queue
	t.queue = nil
	close(a.opened)
	t.mu.Unlock()

	t.logger.Info("connection open", zap.Int("queued", len(queued)))

	go t.readLoop(a)

	for _, env := range queued {
		if err := conn.Send(env); err != nil {
			t.logger.Warn("flush failed", zap.String("id", env.ID), zap.Error(err))
			t.handleClose(a, err)
			return
		}
	}
}

// readLoop is the only reader of a connection. Undecodable messages are logged and
// skipped; any other read error ends the attempt.
func (t *SyncTransport) readLoop(a *attempt) {
	for {
		env, err := a.conn.Recv()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				t.logger.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			t.handleClose(a, err)
			return
		}
		t.dispatch(env)
	}
}

// handleClose ends attempt a: state goes to CLOSED, every pending call fails once with
// ErrClosed and the table is emptied. Notifications for an attempt that already ended
// or was replaced are ignored.
func (t *SyncTransport) handleClose(a *attempt, cause error) {
	t.mu.Lock()
	if a.ended || t.attempt != a {
		t.mu.Unlock()
		return
	}
	a.ended = true
	a.cancel()
	close(a.done)
	conn := a.conn

	t.state = StateClosed
	calls := t.pending
	t.pending = make(map[string]*pendingCall)
	t.queue = nil

	var delay time.Duration
	if t.reconnect && !t.shutdown {
		delay = t.nextBackoffLocked()
		t.reconnectTimer = time.AfterFunc(delay, t.reconnectNow)
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	fields := []zap.Field{zap.Int("failed_calls", len(calls))}
	if cause != nil && !errors.Is(cause, ErrClosed) {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	if delay > 0 {
		fields = append(fields, zap.Duration("reconnect_in", delay))
	}
	t.logger.Info("connection closed", fields...)

	for _, call := range calls {
		call.stopTimer()
		call.fail(ErrClosed)
	}
}

func (t *SyncTransport) nextBackoffLocked() time.Duration {
	if t.backoff == 0 {
		t.backoff = t.reconnectBase
	} else {
		t.backoff *= 2
	}
	if t.backoff > t.reconnectMax {
		t.backoff = t.reconnectMax
	}
	return t.backoff
}

func (t *SyncTransport) reconnectNow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnectTimer = nil
	if t.shutdown {
		return
	}
	t.connectLocked()
}

// Close shuts the transport down: automatic reconnects stop and outstanding calls fail
// with ErrClosed.
func (t *SyncTransport) Close() error {
	t.mu.Lock()
	t.shutdown = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	a := t.attempt
	if a != nil && !a.ended {
		t.mu.Unlock()
		t.handleClose(a, ErrClosed)
		return nil
	}

	// Between attempts: calls queued for the next open have no connection to wait for
	calls := t.pending
	t.pending = make(map[string]*pendingCall)
	t.queue = nil
	t.mu.Unlock()

	if len(calls) > 0 {
		t.logger.Info("transport closed", zap.Int("failed_calls", len(calls)))
	}
	for _, call := range calls {
		call.stopTimer()
		call.fail(ErrClosed)
	}
	return nil
}

// WaitOpen blocks until the current connection attempt is open. It returns ErrClosed if
// the attempt fails or there is none.
func (t *SyncTransport) WaitOpen(ctx context.Context) error {
	t.mu.Lock()
	a, state := t.attempt, t.state
	t.mu.Unlock()

	if state == StateOpen {
		return nil
	}
	if a == nil || state == StateClosed {
		return ErrClosed
	}

	select {
	case <-a.opened:
		return nil
	case <-a.done:
		select {
		case <-a.opened:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (t *SyncTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the number of calls waiting for a reply.
func (t *SyncTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
