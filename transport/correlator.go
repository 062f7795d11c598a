package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backsync/events"
	"backsync/message"
)

// pendingCall is one request still waiting for its reply.
type pendingCall struct {
	id        string
	op        string
	onSuccess func(json.RawMessage)
	onError   func(error)
	timer     *time.Timer // per-call deadline, nil when disabled
}

func (c *pendingCall) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *pendingCall) fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *pendingCall) complete(env *message.Envelope) {
	if env.Error != "" {
		c.fail(&ServerError{Op: c.op, Message: env.Error})
		return
	}
	if c.onSuccess != nil {
		c.onSuccess(env.Data)
	}
}

// Request sends operation op ("<base>:<verb>", create and update are sent as upsert)
// with payload and returns the correlation id without waiting.
//
// Exactly one of onSuccess or onError fires later (either may be nil): onSuccess with
// the reply data, onError with a *ServerError, ErrClosed or ErrTimeout. If the transport
// is CLOSED and no reconnect is scheduled, onError(ErrClosed) fires before Request
// returns.
//
// The returned error only reports an invalid op or a payload that cannot be encoded; no
// continuation fires in that case.
func (t *SyncTransport) Request(op string, payload any, onSuccess func(json.RawMessage), onError func(error)) (string, error) {
	parsed, err := message.ParseOp(op)
	if err != nil {
		return "", err
	}

	var data json.RawMessage
	if parsed.Verb != message.VerbRead {
		if data, err = encodePayload(payload); err != nil {
			return "", fmt.Errorf("encode payload for %s: %w", parsed, err)
		}
	}

	call := &pendingCall{op: parsed.String(), onSuccess: onSuccess, onError: onError}

	t.mu.Lock()
	call.id = t.newIDLocked()
	env := message.NewRequest(call.id, parsed, data)

	switch {
	case t.state == StateOpen:
		// The entry must exist before the bytes leave, or an instant reply would be
		// taken for a push event.
		t.pending[call.id] = call
		t.armTimerLocked(call)
		a := t.attempt
		t.mu.Unlock()

		t.logger.Debug("request", zap.String("id", call.id), zap.String("op", call.op))
		if err := a.conn.Send(env); err != nil {
			t.logger.Warn("send failed", zap.String("id", call.id), zap.Error(err))
			t.handleClose(a, err)
		}

	case t.state == StateConnecting || t.reconnectTimer != nil:
		t.pending[call.id] = call
		t.armTimerLocked(call)
		t.queue = append(t.queue, env)
		t.mu.Unlock()

		t.logger.Debug("request queued until open", zap.String("id", call.id), zap.String("op", call.op))

	default:
		t.mu.Unlock()
		t.logger.Debug("request on closed transport", zap.String("op", call.op))
		call.fail(ErrClosed)
	}

	return call.id, nil
}

// Sync is Request with the op tag derived from a resource base path and a verb.
func (t *SyncTransport) Sync(base string, verb message.Verb, payload any, onSuccess func(json.RawMessage), onError func(error)) (string, error) {
	return t.Request(message.OpTag(base, verb), payload, onSuccess, onError)
}

// Call is the blocking form of Request. If ctx ends first the call is forgotten locally
// and ctx.Err() is returned; a request already sent is not withdrawn from the server.
func (t *SyncTransport) Call(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)

	id, err := t.Request(op, payload,
		func(data json.RawMessage) { ch <- result{data: data} },
		func(err error) { ch <- result{err: err} },
	)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		t.forget(id)
		// The reply may have won the race
		select {
		case r := <-ch:
			return r.data, r.err
		default:
			return nil, ctx.Err()
		}
	}
}

// On subscribes handler to push events named event ("<base>:upsert", …).
func (t *SyncTransport) On(event string, handler events.Handler) (unsubscribe func()) {
	return t.bus.On(event, handler)
}

// Bus exposes the push-event registry, e.g. for events.Subscribe with a typed payload.
func (t *SyncTransport) Bus() *events.Bus {
	return &t.bus
}

// dispatch routes one inbound envelope: to the caller waiting on its id if there is
// one, otherwise to push subscribers. A reply whose id is no longer pending (late or
// duplicate) therefore falls through to push handling instead of firing twice.
func (t *SyncTransport) dispatch(env *message.Envelope) {
	if env.ID != "" {
		t.mu.Lock()
		call, ok := t.pending[env.ID]
		if ok {
			delete(t.pending, env.ID)
		}
		t.mu.Unlock()

		if ok {
			call.stopTimer()
			t.logger.Debug("reply", zap.String("id", env.ID), zap.String("op", call.op), zap.Bool("error", env.Error != ""))
			call.complete(env)
			return
		}
	}

	if env.Event == "" {
		t.logger.Warn("dropping unroutable message", zap.String("id", env.ID))
		return
	}
	n := t.bus.Emit(env.Event, env.Data)
	t.logger.Debug("push event", zap.String("event", env.Event), zap.Int("subscribers", n))
}

// newIDLocked returns an id not used by any outstanding call.
func (t *SyncTransport) newIDLocked() string {
	for {
		id := t.newID()
		if _, taken := t.pending[id]; !taken {
			return id
		}
	}
}

func (t *SyncTransport) armTimerLocked(call *pendingCall) {
	if t.callTimeout <= 0 {
		return
	}
	id := call.id
	call.timer = time.AfterFunc(t.callTimeout, func() {
		if c := t.remove(id); c != nil {
			t.logger.Warn("request timed out", zap.String("id", id), zap.String("op", c.op))
			c.fail(ErrTimeout)
		}
	})
}

// remove takes a call out of the table (and the send queue, if it never left).
func (t *SyncTransport) remove(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	for i, env := range t.queue {
		if env.ID == id {
			t.queue = append(t.queue[:i:i], t.queue[i+1:]...)
			break
		}
	}
	return call
}

func (t *SyncTransport) forget(id string) {
	if call := t.remove(id); call != nil {
		call.stopTimer()
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}
