package middleware

import (
	"context"
	"time"

	"backsync/message"
)

// TimeoutMiddleware replies "request timed out" if the handler has not finished within
// timeout. The handler keeps running with a cancelled ctx; its late result is discarded.
// A panic in the handler is re-raised on the calling goroutine, where an outer
// RecoverMiddleware can turn it into a reply.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if v := recover(); v != nil {
						panicked <- v
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case v := <-panicked:
				panic(v)
			case <-ctx.Done():
				return errorReply(req, "request timed out")
			}
		}
	}
}
