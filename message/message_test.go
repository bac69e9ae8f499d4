package message

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"chanrpc/protocol"
)

type closeRecorder struct {
	closed []Handle
}

func (r *closeRecorder) Close(h Handle) error {
	r.closed = append(r.closed, h)
	return nil
}

func (r *closeRecorder) Replace(h Handle, _ Rights) (Handle, error) { return h, nil }

func TestOutgoingBufferLayout(t *testing.T) {
	buf := NewOutgoingBuffer(13, 2)
	require.Equal(t, uint64(16), buf.HandleOffset(), "handle array starts at bytes capacity aligned to 4")
	require.Equal(t, 16+2*12, buf.Size())
	require.Len(t, buf.Bytes().Data, 13)
	require.Len(t, buf.Handles(), 2)

	buf = NewOutgoingBuffer(16, 0)
	require.Equal(t, uint64(16), buf.HandleOffset())
	require.Equal(t, 16, buf.Size())
	require.Nil(t, buf.Handles())
}

func TestIncomingBufferLayout(t *testing.T) {
	buf := NewIncomingBuffer(1, 3)
	require.Equal(t, uint64(4), buf.HandleOffset())
	require.Equal(t, 4+3*12, buf.Size())

	handles := buf.Handles()
	handles[2] = HandleInfo{Handle: 7, Type: ObjectVMO, Rights: RightRead}
	require.Equal(t, HandleInfo{Handle: 7, Type: ObjectVMO, Rights: RightRead}, buf.Handles()[2],
		"handle slots alias the buffer block")
}

func TestBufferLayoutDoesNotWrap(t *testing.T) {
	offset, size := layout(math.MaxUint32, 2, outgoingSlotSize, outgoingSlotAlign)
	require.Equal(t, uint64(1)<<32, offset)
	require.Equal(t, uint64(1)<<32+2*uint64(outgoingSlotSize), size)
}

func TestCreateEmptyMessageHasFullCapacity(t *testing.T) {
	out := NewOutgoingBuffer(64, 4).CreateEmptyMessage()
	require.Len(t, out.Bytes(), 64)
	require.Len(t, out.Handles(), 4)

	in := NewIncomingBuffer(32, 2).CreateEmptyMessage()
	require.Len(t, in.Bytes(), 32)
	require.Len(t, in.Handles(), 2)
	require.NoError(t, in.SetUsed(24, 1))
	require.Len(t, in.Bytes(), 24)
	require.ErrorIs(t, in.SetUsed(33, 0), ErrBufferTooSmall)
}

func TestOutgoingCapacityBoundary(t *testing.T) {
	span := BytesSpan{Data: make([]byte, 1)}

	_, err := NewOutgoing(span, nil, 1, 0)
	require.NoError(t, err, "bytes used == capacity must succeed")

	_, err = NewOutgoing(span, nil, 2, 0)
	require.ErrorIs(t, err, ErrBufferTooSmall)

	handles := make([]HandleDisposition, 1)
	_, err = NewOutgoing(span, handles, 0, 1)
	require.NoError(t, err, "handles used == capacity must succeed")

	_, err = NewOutgoing(span, handles, 0, 2)
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestIncomingCapacityBoundary(t *testing.T) {
	span := BytesSpan{Data: make([]byte, 8)}
	handles := make([]HandleInfo, 2)

	_, err := NewIncoming(span, handles, 8, 2)
	require.NoError(t, err)

	_, err = NewIncoming(span, handles, 9, 2)
	require.True(t, errors.Is(err, ErrBufferTooSmall))

	_, err = NewIncoming(span, handles, 8, 3)
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestBytesMatchIgnoresHandles(t *testing.T) {
	withoutHandles, err := NewOutgoing(BytesSpan{Data: []byte{1, 2, 3, 4}}, nil, 4, 0)
	require.NoError(t, err)

	withHandle, err := NewOutgoing(BytesSpan{Data: []byte{1, 2, 3, 4}},
		[]HandleDisposition{{Handle: 9, Type: ObjectEvent, Rights: RightSameRights}}, 4, 1)
	require.NoError(t, err)

	different, err := NewOutgoing(BytesSpan{Data: []byte{1, 2, 3, 5}}, nil, 4, 0)
	require.NoError(t, err)

	require.True(t, withoutHandles.BytesMatch(withHandle))
	require.True(t, withHandle.BytesMatch(withoutHandles))
	require.False(t, withoutHandles.BytesMatch(different))
}

func TestIncomingBytesMatch(t *testing.T) {
	a, _ := NewIncoming(BytesSpan{Data: []byte{1, 2, 3, 4}}, nil, 4, 0)
	b, _ := NewIncoming(BytesSpan{Data: []byte{1, 2, 3, 4}}, []HandleInfo{{Handle: 3}}, 4, 1)
	c, _ := NewIncoming(BytesSpan{Data: []byte{1, 2, 3, 5}}, nil, 4, 0)
	require.True(t, a.BytesMatch(b))
	require.False(t, a.BytesMatch(c))
}

func TestCloseHandlesUsesHandleOps(t *testing.T) {
	rec := &closeRecorder{}
	in, err := NewIncoming(BytesSpan{Data: make([]byte, 16)},
		[]HandleInfo{{Handle: 1}, {Handle: 2}, {Handle: 3}}, 16, 2)
	require.NoError(t, err)
	in.SetHandleOps(rec)

	require.NoError(t, in.CloseHandles())
	require.Equal(t, []Handle{1, 2}, rec.closed)
	require.Empty(t, in.Handles())

	// Second close is a no-op.
	require.NoError(t, in.CloseHandles())
	require.Len(t, rec.closed, 2)
}

func TestOutgoingReleaseDoesNotClose(t *testing.T) {
	rec := &closeRecorder{}
	out, err := NewOutgoing(BytesSpan{Data: make([]byte, 16)}, []HandleDisposition{{Handle: 5}}, 16, 1)
	require.NoError(t, err)
	out.SetHandleOps(rec)

	out.ReleaseHandles()
	require.NoError(t, out.CloseHandles())
	require.Empty(t, rec.closed)
}

func TestOutgoingTxid(t *testing.T) {
	buf := NewOutgoingBuffer(protocol.HeaderSize, 0)
	b := buf.CreateBuilder()
	require.True(t, b.Header(protocol.NewHeader(0, 77)))

	out, err := NewOutgoing(buf.Bytes(), nil, b.Used(), 0)
	require.NoError(t, err)
	out.SetTxid(42)
	require.Equal(t, uint32(42), out.Txid())

	h, err := out.Header()
	require.NoError(t, err)
	require.Equal(t, uint64(77), h.Ordinal)
}

func TestBuilderAllocate(t *testing.T) {
	span := BytesSpan{Data: make([]byte, 24)}
	for i := range span.Data {
		span.Data[i] = 0xFF
	}
	b := NewBuilder(span)

	first := b.Allocate(3)
	require.Len(t, first, 3)
	require.Equal(t, uint32(8), b.Used(), "allocations are padded to 8 bytes")
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, span.Data[:8], "padding is zeroed")

	require.NotNil(t, b.Allocate(16))
	require.Equal(t, uint32(0), b.Remaining())
	require.Nil(t, b.Allocate(1))

	require.Len(t, b.Finalize(), 24)
	require.Equal(t, uint32(0), b.Used())
}

func TestBuilderHeaderMustComeFirst(t *testing.T) {
	b := NewBuilder(BytesSpan{Data: make([]byte, 32)})
	require.NotNil(t, b.Allocate(8))
	require.False(t, b.Header(protocol.NewHeader(1, 1)))

	b.Reset()
	require.True(t, b.Header(protocol.NewHeader(1, 1)))

	small := NewBuilder(BytesSpan{Data: make([]byte, 8)})
	require.False(t, small.Header(protocol.NewHeader(1, 1)))
}
