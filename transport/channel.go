// Package transport provides the duplex, message-boundary-preserving channels
// the chanrpc runtime reads from and writes to.
//
// A Channel moves whole messages: bytes plus a side array of handles. Three
// implementations exist:
//
//	Pair          in-process, handles are entries of a shared HandleTable
//	UnixChannel   SOCK_SEQPACKET, handles travel as SCM_RIGHTS descriptors
//	StreamChannel TCP, messages are framed and handles are refused
//
// Ownership of handles passes to the channel on Write, whether or not the
// write succeeds. Messages returned by Read own their handles.
//
//	Write(bytes, handles) ──► ┌─────────┐ ──► Read(maxBytes, maxHandles)
//	                          │ Channel │
//	      Watcher.OnReadable ◄┴─────────┘
package transport

import (
	"net"

	"chanrpc/message"
	"chanrpc/protocol"
)

// Channel is one end of a duplex message channel.
type Channel interface {
	// Write sends one message. The handles are consumed even on failure.
	Write(b []byte, handles []message.HandleDisposition) error
	// Read blocks until a message is available and returns it. A message
	// larger than the given capacities fails with message.ErrBufferTooSmall.
	Read(maxBytes, maxHandles uint32) (*message.Incoming, error)
	Close() error
}

// Listener accepts inbound channels.
type Listener interface {
	Accept() (Channel, error)
	Close() error
	Addr() net.Addr
}

// incoming copies a received message into a right-sized incoming buffer.
func incoming(b []byte, handles []message.HandleInfo, ops message.HandleOps) *message.Incoming {
	msg := message.NewIncomingBuffer(uint32(len(b)), uint32(len(handles))).CreateEmptyMessage()
	copy(msg.Bytes(), b)
	copy(msg.Handles(), handles)
	msg.SetHandleOps(ops)
	return msg
}

func checkCapacity(op string, n, nh int, maxBytes, maxHandles uint32) error {
	if uint64(n) > uint64(maxBytes) || uint64(nh) > uint64(maxHandles) {
		return &TransportError{Op: op, Err: message.ErrBufferTooSmall}
	}
	return nil
}

func checkLimits(op string, n, nh int, limits protocol.Limits) error {
	if uint64(n) > uint64(limits.MaxBytes) || uint64(nh) > uint64(limits.MaxHandles) {
		return &TransportError{Op: op, Err: protocol.ErrFrameTooBig}
	}
	return nil
}
