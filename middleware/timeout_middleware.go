package middleware

import (
	"context"
	"time"

	"wheels-rpc/message"
)

const TimeoutMessage = "request timed out"

// Timeout answers with a failure Response when the handler overruns.
// The handler keeps running in the background with a cancelled context.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewFailedResponse(message.CodeFailure, TimeoutMessage)
			}
		}
	}
}
