package message

import (
	"errors"
	"unsafe"
)

var ErrBufferTooSmall = errors.New("message: buffer too small")

// BytesSpan is a non-owning view of byte storage. Its capacity is len(Data).
type BytesSpan struct {
	Data []byte
}

func (s BytesSpan) Capacity() uint32 { return uint32(len(s.Data)) }

const (
	outgoingSlotSize  = uint32(unsafe.Sizeof(HandleDisposition{}))
	outgoingSlotAlign = uint32(unsafe.Alignof(HandleDisposition{}))
	incomingSlotSize  = uint32(unsafe.Sizeof(HandleInfo{}))
	incomingSlotAlign = uint32(unsafe.Alignof(HandleInfo{}))
)

// layout places the handle array after the byte region. It is computed in
// 64 bits so capacities near 4GiB cannot wrap the offset.
func layout(bytesCapacity, handlesCapacity, slotSize, slotAlign uint32) (handleOffset, size uint64) {
	a := uint64(slotAlign)
	handleOffset = (uint64(bytesCapacity) + a - 1) &^ (a - 1)
	return handleOffset, handleOffset + uint64(slotSize)*uint64(handlesCapacity)
}

// OutgoingBuffer is storage for one outgoing message: byte region and handle
// dispositions in a single allocation. The handle array starts at the byte
// capacity rounded up to the alignment of a disposition.
//
//	0              bytesCapacity   handleOffset
//	┌──────────────┬───────────────┬──────────────────────────────┐
//	│    bytes     │    padding    │ handlesCapacity × slot (12B) │
//	└──────────────┴───────────────┴──────────────────────────────┘
type OutgoingBuffer struct {
	block           []byte
	bytesCapacity   uint32
	handlesCapacity uint32
	handleOffset    uint64
}

func NewOutgoingBuffer(bytesCapacity, handlesCapacity uint32) *OutgoingBuffer {
	offset, size := layout(bytesCapacity, handlesCapacity, outgoingSlotSize, outgoingSlotAlign)
	return &OutgoingBuffer{
		block:           make([]byte, size),
		bytesCapacity:   bytesCapacity,
		handlesCapacity: handlesCapacity,
		handleOffset:    offset,
	}
}

func (b *OutgoingBuffer) BytesCapacity() uint32   { return b.bytesCapacity }
func (b *OutgoingBuffer) HandlesCapacity() uint32 { return b.handlesCapacity }
func (b *OutgoingBuffer) HandleOffset() uint64    { return b.handleOffset }

// Size is the length of the single backing allocation.
func (b *OutgoingBuffer) Size() int { return len(b.block) }

func (b *OutgoingBuffer) Bytes() BytesSpan {
	return BytesSpan{Data: b.block[:b.bytesCapacity:b.bytesCapacity]}
}

// Handles returns the disposition array living in the tail of the block.
// HandleDisposition holds no pointers, so aliasing it over byte storage is
// invisible to the garbage collector.
func (b *OutgoingBuffer) Handles() []HandleDisposition {
	if b.handlesCapacity == 0 {
		return nil
	}
	return unsafe.Slice((*HandleDisposition)(unsafe.Pointer(&b.block[b.handleOffset])), b.handlesCapacity)
}

// CreateEmptyMessage returns a message aliasing the whole byte and handle
// regions. Nothing has been written yet.
func (b *OutgoingBuffer) CreateEmptyMessage() *Outgoing {
	m, _ := NewOutgoing(b.Bytes(), b.Handles(), b.bytesCapacity, b.handlesCapacity)
	return m
}

// CreateBuilder returns a bump allocator over the byte region.
func (b *OutgoingBuffer) CreateBuilder() *Builder {
	return NewBuilder(b.Bytes())
}

// IncomingBuffer mirrors OutgoingBuffer for received messages.
type IncomingBuffer struct {
	block           []byte
	bytesCapacity   uint32
	handlesCapacity uint32
	handleOffset    uint64
}

func NewIncomingBuffer(bytesCapacity, handlesCapacity uint32) *IncomingBuffer {
	offset, size := layout(bytesCapacity, handlesCapacity, incomingSlotSize, incomingSlotAlign)
	return &IncomingBuffer{
		block:           make([]byte, size),
		bytesCapacity:   bytesCapacity,
		handlesCapacity: handlesCapacity,
		handleOffset:    offset,
	}
}

func (b *IncomingBuffer) BytesCapacity() uint32   { return b.bytesCapacity }
func (b *IncomingBuffer) HandlesCapacity() uint32 { return b.handlesCapacity }
func (b *IncomingBuffer) HandleOffset() uint64    { return b.handleOffset }
func (b *IncomingBuffer) Size() int               { return len(b.block) }

func (b *IncomingBuffer) Bytes() BytesSpan {
	return BytesSpan{Data: b.block[:b.bytesCapacity:b.bytesCapacity]}
}

func (b *IncomingBuffer) Handles() []HandleInfo {
	if b.handlesCapacity == 0 {
		return nil
	}
	return unsafe.Slice((*HandleInfo)(unsafe.Pointer(&b.block[b.handleOffset])), b.handlesCapacity)
}

func (b *IncomingBuffer) CreateEmptyMessage() *Incoming {
	m, _ := NewIncoming(b.Bytes(), b.Handles(), b.bytesCapacity, b.handlesCapacity)
	return m
}

func (b *IncomingBuffer) CreateBuilder() *Builder {
	return NewBuilder(b.Bytes())
}
