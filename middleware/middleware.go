// Package middleware wraps the server's business handler with cross-cutting behavior.
//
// Every middleware keeps the handler contract: it always returns a Response, turning
// its own failures into failure Responses instead of errors.
package middleware

import (
	"context"

	"wheels-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
