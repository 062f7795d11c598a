// Package client holds the application-side collaborators of the sync transport: a
// Resource issues CRUD operations for one base path, and a Collection keeps a local
// replica of that resource current from replies and server push events.
package client

import (
	"context"
	"encoding/json"

	"backsync/events"
	"backsync/message"
)

// Requester is the part of the transport that resources need.
// *transport.SyncTransport satisfies it.
type Requester interface {
	Request(op string, payload any, onSuccess func(json.RawMessage), onError func(error)) (string, error)
	On(event string, handler events.Handler) (unsubscribe func())
}

// caller is implemented by requesters that can withdraw a blocking call when its
// context ends.
type caller interface {
	Call(ctx context.Context, op string, payload any) (json.RawMessage, error)
}

// Resource issues operations against one server-side resource, e.g. "/api/tasks".
type Resource struct {
	Base string
	req  Requester
}

func NewResource(req Requester, base string) *Resource {
	return &Resource{Base: base, req: req}
}

func (r *Resource) Read(onSuccess func(json.RawMessage), onError func(error)) (string, error) {
	return r.req.Request(message.OpTag(r.Base, message.VerbRead), nil, onSuccess, onError)
}

func (r *Resource) Create(payload any, onSuccess func(json.RawMessage), onError func(error)) (string, error) {
	return r.req.Request(message.OpTag(r.Base, message.VerbCreate), payload, onSuccess, onError)
}

func (r *Resource) Update(payload any, onSuccess func(json.RawMessage), onError func(error)) (string, error) {
	return r.req.Request(message.OpTag(r.Base, message.VerbUpdate), payload, onSuccess, onError)
}

func (r *Resource) Delete(payload any, onSuccess func(json.RawMessage), onError func(error)) (string, error) {
	return r.req.Request(message.OpTag(r.Base, message.VerbDelete), payload, onSuccess, onError)
}

// Fetch reads the resource and blocks for the reply.
func (r *Resource) Fetch(ctx context.Context) (json.RawMessage, error) {
	op := message.OpTag(r.Base, message.VerbRead)
	if c, ok := r.req.(caller); ok {
		return c.Call(ctx, op, nil)
	}

	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)
	if _, err := r.req.Request(op, nil,
		func(data json.RawMessage) { ch <- result{data: data} },
		func(err error) { ch <- result{err: err} },
	); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
