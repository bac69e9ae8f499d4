package middleware

import (
	"golang.org/x/time/rate"

	"chanrpc/protocol"
)

// RateLimitMiddleware applies a token bucket to invocations. A call waits for
// a token; if the wait cannot finish before the call's context ends, the call
// is closed with StatusShouldWait.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(call Call) {
			if err := limiter.Wait(call.Context()); err != nil {
				call.Close(protocol.StatusShouldWait)
				return
			}
			next(call)
		}
	}
}
