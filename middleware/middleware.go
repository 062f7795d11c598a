// Package middleware wraps the server's operation handler. Each middleware sees the
// request envelope and returns the reply envelope, so it can short-circuit with an
// error reply without the model handler ever running.
package middleware

import (
	"context"
	"errors"

	"backsync/message"
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares; the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorReply answers req with msg in the error field.
func errorReply(req *message.Envelope, msg string) *message.Envelope {
	return message.NewReply(req.ID, req.Operation(), nil, errors.New(msg))
}
