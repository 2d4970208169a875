package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"campus-rpc/message"
)

// RateLimit rejects requests beyond a token bucket of r requests per second
// with the given burst. The bucket is shared by everything behind the
// middleware.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewResponse(message.StatusError, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
