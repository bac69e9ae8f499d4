package middleware

import (
	"strconv"

	"chanrpc/observability"
)

// MetricsMiddleware counts invocations per method, split by whether the
// call ended with the connection closed.
func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(call Call) {
			next(call)
			status := "ok"
			if call.Closed() {
				status = "closed"
			}
			method := call.Method()
			if method == "" {
				method = strconv.FormatUint(call.Ordinal(), 16)
			}
			observability.RecordDispatch(method, status)
		}
	}
}
