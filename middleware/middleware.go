// Package middleware wraps request dispatch with cross-cutting behavior.
//
// Middlewares compose like an onion around the router:
//
//	Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
package middleware

import (
	"context"

	"campus-rpc/message"
)

// HandlerFunc turns a request into a response. router.Router.Dispatch has
// this shape.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
