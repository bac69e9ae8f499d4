//go:build !linux

package transport

import (
	"errors"

	"chanrpc/message"
)

var errUnixUnsupported = errors.New("transport: unix seqpacket channels require linux")

type fdOps struct{}

func (fdOps) Close(message.Handle) error { return errUnixUnsupported }

func (fdOps) Replace(h message.Handle, _ message.Rights) (message.Handle, error) { return h, nil }

var FileHandleOps message.HandleOps = fdOps{}

// UnixChannel is unavailable on this platform.
type UnixChannel struct{ Channel }

func NewSocketPair() (*UnixChannel, *UnixChannel, error) { return nil, nil, errUnixUnsupported }
func DialUnix(string) (*UnixChannel, error)              { return nil, errUnixUnsupported }
func ListenUnix(string) (Listener, error)                { return nil, errUnixUnsupported }
