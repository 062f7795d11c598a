package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"backsync/message"
)

// RecoverMiddleware turns a panicking handler into an "EXCEPTION: <value>" error reply
// so one bad model cannot take the session down.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (reply *message.Envelope) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("handler panic", zap.String("op", req.Operation()), zap.Any("panic", v), zap.Stack("stack"))
					reply = errorReply(req, fmt.Sprintf("EXCEPTION: %v", v))
				}
			}()
			return next(ctx, req)
		}
	}
}
