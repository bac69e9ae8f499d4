// Package message provides byte-exact views over encoded messages: a
// contiguous byte buffer that starts with the transactional header plus a
// side array of handle slots that never appear in the byte stream.
//
// An Outgoing message owns the handles in its dispositions until the transport
// writes it; an Incoming message owns its handles until they are decoded into
// a value or closed.
package message

import (
	"bytes"
	"errors"
	"fmt"

	"chanrpc/protocol"
)

// Outgoing is an encoded message on its way to a transport.
type Outgoing struct {
	bytes      []byte
	handles    []HandleDisposition
	numBytes   uint32
	numHandles uint32
	ops        HandleOps
}

// NewOutgoing wraps caller-provided storage. The capacities are len(bytes.Data)
// and len(handles); using more than either fails with ErrBufferTooSmall.
func NewOutgoing(span BytesSpan, handles []HandleDisposition, bytesUsed, handlesUsed uint32) (*Outgoing, error) {
	if bytesUsed > span.Capacity() {
		return nil, fmt.Errorf("%w: %d bytes used, capacity %d", ErrBufferTooSmall, bytesUsed, span.Capacity())
	}
	if uint64(handlesUsed) > uint64(len(handles)) {
		return nil, fmt.Errorf("%w: %d handles used, capacity %d", ErrBufferTooSmall, handlesUsed, len(handles))
	}
	return &Outgoing{bytes: span.Data, handles: handles, numBytes: bytesUsed, numHandles: handlesUsed}, nil
}

func (m *Outgoing) Bytes() []byte                { return m.bytes[:m.numBytes] }
func (m *Outgoing) Handles() []HandleDisposition { return m.handles[:m.numHandles] }
func (m *Outgoing) BytesCapacity() uint32        { return uint32(len(m.bytes)) }
func (m *Outgoing) HandlesCapacity() uint32      { return uint32(len(m.handles)) }

// SetUsed records how much of the storage has been filled.
func (m *Outgoing) SetUsed(bytesUsed, handlesUsed uint32) error {
	if bytesUsed > uint32(len(m.bytes)) || uint64(handlesUsed) > uint64(len(m.handles)) {
		return ErrBufferTooSmall
	}
	m.numBytes, m.numHandles = bytesUsed, handlesUsed
	return nil
}

// SetHandleOps attaches the operations used to close handles if the message is
// discarded before it is written.
func (m *Outgoing) SetHandleOps(ops HandleOps) { m.ops = ops }

func (m *Outgoing) Header() (protocol.Header, error) { return protocol.ParseHeader(m.Bytes()) }

// Txid returns the transaction id, or 0 if the message has no header.
func (m *Outgoing) Txid() uint32 {
	h, _ := m.Header()
	return h.Txid
}

func (m *Outgoing) SetTxid(txid uint32) {
	if m.numBytes >= protocol.HeaderSize {
		protocol.SetTxid(m.bytes, txid)
	}
}

// BytesMatch reports whether both messages have identical byte content.
// Handles are not compared.
func (m *Outgoing) BytesMatch(other *Outgoing) bool {
	return bytes.Equal(m.Bytes(), other.Bytes())
}

// ReleaseHandles forgets the handles without closing them; the transport calls
// it once ownership has moved to the peer.
func (m *Outgoing) ReleaseHandles() {
	clear(m.handles[:m.numHandles])
	m.numHandles = 0
}

// CloseHandles closes every handle still owned by the message.
func (m *Outgoing) CloseHandles() error {
	var errs []error
	for i := range m.handles[:m.numHandles] {
		if h := m.handles[i].Handle; h != HandleInvalid && m.ops != nil {
			errs = append(errs, m.ops.Close(h))
		}
	}
	m.ReleaseHandles()
	return errors.Join(errs...)
}

// Incoming is a message read from a transport.
type Incoming struct {
	bytes      []byte
	handles    []HandleInfo
	numBytes   uint32
	numHandles uint32
	ops        HandleOps
}

func NewIncoming(span BytesSpan, handles []HandleInfo, bytesUsed, handlesUsed uint32) (*Incoming, error) {
	if bytesUsed > span.Capacity() {
		return nil, fmt.Errorf("%w: %d bytes used, capacity %d", ErrBufferTooSmall, bytesUsed, span.Capacity())
	}
	if uint64(handlesUsed) > uint64(len(handles)) {
		return nil, fmt.Errorf("%w: %d handles used, capacity %d", ErrBufferTooSmall, handlesUsed, len(handles))
	}
	return &Incoming{bytes: span.Data, handles: handles, numBytes: bytesUsed, numHandles: handlesUsed}, nil
}

func (m *Incoming) Bytes() []byte           { return m.bytes[:m.numBytes] }
func (m *Incoming) Handles() []HandleInfo   { return m.handles[:m.numHandles] }
func (m *Incoming) BytesCapacity() uint32   { return uint32(len(m.bytes)) }
func (m *Incoming) HandlesCapacity() uint32 { return uint32(len(m.handles)) }
func (m *Incoming) HandleOps() HandleOps    { return m.ops }

func (m *Incoming) SetUsed(bytesUsed, handlesUsed uint32) error {
	if bytesUsed > uint32(len(m.bytes)) || uint64(handlesUsed) > uint64(len(m.handles)) {
		return ErrBufferTooSmall
	}
	m.numBytes, m.numHandles = bytesUsed, handlesUsed
	return nil
}

func (m *Incoming) SetHandleOps(ops HandleOps) { m.ops = ops }

func (m *Incoming) Header() (protocol.Header, error) { return protocol.ParseHeader(m.Bytes()) }

// Body returns the bytes following the header.
func (m *Incoming) Body() []byte {
	if m.numBytes < protocol.HeaderSize {
		return nil
	}
	return m.bytes[protocol.HeaderSize:m.numBytes]
}

func (m *Incoming) BytesMatch(other *Incoming) bool {
	return bytes.Equal(m.Bytes(), other.Bytes())
}

// ReleaseHandles marks every handle as handed off to a decoded value.
func (m *Incoming) ReleaseHandles() {
	clear(m.handles[:m.numHandles])
	m.numHandles = 0
}

// CloseHandles closes every handle the message still owns.
func (m *Incoming) CloseHandles() error {
	var errs []error
	for i := range m.handles[:m.numHandles] {
		if h := m.handles[i].Handle; h != HandleInvalid && m.ops != nil {
			errs = append(errs, m.ops.Close(h))
		}
	}
	m.ReleaseHandles()
	return errors.Join(errs...)
}
