package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"backsync/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			reply := next(ctx, req)

			fields := []zap.Field{
				zap.String("op", req.Operation()),
				zap.String("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if reply != nil && reply.Error != "" {
				logger.Warn("operation failed", append(fields, zap.String("err", reply.Error))...)
			} else {
				logger.Debug("operation", fields...)
			}
			return reply
		}
	}
}
