package transport

import (
	"errors"
	"net"
)

var (
	// ErrPeerClosed: the other end of the channel is gone.
	ErrPeerClosed = errors.New("transport: peer closed")
	// ErrClosed: this end of the channel was closed locally.
	ErrClosed = net.ErrClosed
	// ErrHandlesUnsupported: the channel cannot carry handles.
	ErrHandlesUnsupported = errors.New("transport: channel cannot carry handles")
)

// TransportError reports a failed channel operation. Op is "read" or "write".
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

func readError(err error) error  { return &TransportError{Op: "read", Err: err} }
func writeError(err error) error { return &TransportError{Op: "write", Err: err} }
