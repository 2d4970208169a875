package middleware

import (
	"context"
	"time"

	"github.com/juju/errors"

	"campus-rpc/message"
)

// Timeout gives handlers a context deadline. The handler still runs on the
// caller's goroutine so requests of one connection stay ordered; a response
// produced after the deadline is replaced by an error.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp := next(ctx, req)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return message.NewResponse(message.StatusInternalError, "request timed out")
			}
			return resp
		}
	}
}
