package message

import "chanrpc/protocol"

// Builder is a bump allocator for manual encoding. Every allocation starts on
// an 8-byte boundary and its padding is zeroed.
type Builder struct {
	buf  []byte
	used uint32
}

func NewBuilder(span BytesSpan) *Builder {
	return &Builder{buf: span.Data}
}

// Allocate reserves n bytes rounded up to the object alignment and returns the
// zeroed region, or nil if the buffer cannot hold it.
func (b *Builder) Allocate(n uint32) []byte {
	size := uint64(alignUp64(uint64(n)))
	if uint64(b.used)+size > uint64(len(b.buf)) {
		return nil
	}
	start := b.used
	b.used += uint32(size)
	region := b.buf[start:b.used]
	clear(region)
	return region[:n]
}

// Header allocates and fills the message header. It must be the first
// allocation.
func (b *Builder) Header(h protocol.Header) bool {
	if b.used != 0 {
		return false
	}
	region := b.Allocate(protocol.HeaderSize)
	if region == nil {
		return false
	}
	h.Put(region)
	return true
}

func (b *Builder) Used() uint32      { return b.used }
func (b *Builder) Remaining() uint32 { return uint32(len(b.buf)) - b.used }

// Finalize returns the filled prefix and resets the builder.
func (b *Builder) Finalize() []byte {
	out := b.buf[:b.used]
	b.used = 0
	return out
}

func (b *Builder) Reset() { b.used = 0 }

func alignUp64(n uint64) uint64 {
	return (n + protocol.ObjectAlignment - 1) &^ (protocol.ObjectAlignment - 1)
}
