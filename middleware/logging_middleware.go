package middleware

import (
	"time"

	"github.com/rs/zerolog"
)

// LoggingMiddleware logs every invocation at debug level and calls that end
// with the connection closed at warn level.
func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(call Call) {
			start := time.Now()
			next(call)
			duration := time.Since(start)

			ev := log.Debug()
			if call.Closed() {
				ev = log.Warn()
			}
			ev.Str("binding", call.BindingID()).
				Str("method", call.Method()).
				Uint32("txid", call.Txid()).
				Uint64("ordinal", call.Ordinal()).
				Dur("duration", duration).
				Bool("closed", call.Closed()).
				Msg("dispatch")
		}
	}
}
