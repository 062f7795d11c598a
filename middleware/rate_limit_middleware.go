package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"backsync/message"
)

// RateLimitMiddleware rejects operations beyond r per second (token bucket with burst).
// One limiter is shared by every session using the returned middleware.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return errorReply(req, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
