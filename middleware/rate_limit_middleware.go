package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"wheels-rpc/message"
)

const RateLimitMessage = "rate limit exceeded"

// RateLimit 创建一个基于令牌桶算法的限流中间件
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewFailedResponse(message.CodeFailure, RateLimitMessage)
			}
			return next(ctx, req)
		}
	}
}
