package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"wheels-rpc/message"
)

func Logging(logger logrus.FieldLogger) Middleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			entry := logger.WithFields(logrus.Fields{
				"method":   req.Method,
				"id":       req.ID,
				"duration": time.Since(start),
			})
			if resp.Failed() {
				entry.WithField("code", resp.Code).Warn(resp.Message)
			} else {
				entry.Info("handled")
			}
			return resp
		}
	}
}
