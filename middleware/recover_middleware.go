package middleware

import (
	"github.com/rs/zerolog"

	"chanrpc/protocol"
)

// RecoverMiddleware turns a panicking handler into a StatusInternal close of
// its connection. Contract violations raised inside the handler are
// recovered the same way.
func RecoverMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(call Call) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.Error().
					Str("binding", call.BindingID()).
					Str("method", call.Method()).
					Uint32("txid", call.Txid()).
					Interface("panic", r).
					Msg("handler panicked")
				if !call.Closed() {
					call.Close(protocol.StatusInternal)
				}
			}()
			next(call)
		}
	}
}
