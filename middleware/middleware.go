// Package middleware wraps method invocations on the server side.
//
// Middlewares compose like an onion:
//
//	Chain(A, B, C)(handler) == A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// A middleware that does not call next must terminate the call itself, for
// example with Call.Close.
package middleware

import (
	"context"

	"chanrpc/protocol"
)

// Call is the view of one incoming transaction a middleware gets.
type Call interface {
	Context() context.Context
	Txid() uint32
	Ordinal() uint64
	// Method is the name from the method table entry.
	Method() string
	// BindingID identifies the connection the call arrived on.
	BindingID() string
	// Close ends the call with an epitaph and unbinds the connection.
	Close(status protocol.Status) error
	// Closed reports whether Close already happened.
	Closed() bool
}

type HandlerFunc func(call Call)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
