package middleware

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"wheels-rpc/message"
)

// Recover turns a handler panic into a failure Response carrying the panic value.
func Recover(logger logrus.FieldLogger) Middleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if v := recover(); v != nil {
					const size = 16 << 10
					buf := make([]byte, size)
					buf = buf[:runtime.Stack(buf, false)]
					logger.WithField("method", req.Method).Errorf("handler panic: %v\n%s", v, buf)
					resp = message.NewFailedResponse(message.CodeFailure, fmt.Sprint(v))
				}
			}()
			return next(ctx, req)
		}
	}
}
