package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Byte-stream transports have no message boundaries, so every message is
// wrapped in a frame. The fixed 12-byte frame header is followed by one 8-byte
// disposition per handle and then the message bytes:
//
//	0      3  4         8         12
//	┌──────┬──┬─────────┬─────────┬──────────────────┬──────────────┐
//	│magic │v │ byteLen │ hCount  │ hCount × (type,  │ message ...  │
//	│ crp  │01│ uint32  │ uint32  │   rights) u32×2  │ byteLen bytes│
//	└──────┴──┴─────────┴─────────┴──────────────────┴──────────────┘
//
// Frame header fields are big-endian (network byte order); the message itself
// keeps its little-endian layout.
const (
	FrameMagic1       byte = 0x63 // 'c'
	FrameMagic2       byte = 0x72 // 'r'
	FrameMagic3       byte = 0x70 // 'p'
	FrameVersion      byte = 0x01
	FrameHeaderSize        = 12
	FrameHandleSize        = 8
	DefaultMaxBytes        = 65536
	DefaultMaxHandles      = 64
)

var (
	ErrFrameMagic   = errors.New("protocol: invalid frame magic")
	ErrFrameVersion = errors.New("protocol: unsupported frame version")
	ErrFrameTooBig  = errors.New("protocol: frame exceeds limits")
)

// Limits is the transport-defined maximum message size and handle count.
type Limits struct {
	MaxBytes   uint32
	MaxHandles uint32
}

func DefaultLimits() Limits {
	return Limits{MaxBytes: DefaultMaxBytes, MaxHandles: DefaultMaxHandles}
}

// HandleMeta is the declared object type and rights of one transferred
// handle. The handle value itself travels out of band.
type HandleMeta struct {
	Type   uint32
	Rights uint32
}

// Frame is one message with the metadata of its handles.
type Frame struct {
	Handles []HandleMeta
	Bytes   []byte
}

// AppendFrameHeader appends the frame header and handle dispositions for f to
// dst. Used directly by datagram transports that carry handles out of band.
func AppendFrameHeader(dst []byte, f *Frame) []byte {
	var hdr [FrameHeaderSize]byte
	hdr[0], hdr[1], hdr[2] = FrameMagic1, FrameMagic2, FrameMagic3
	hdr[3] = FrameVersion
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Bytes)))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(f.Handles)))
	dst = append(dst, hdr[:]...)
	for _, h := range f.Handles {
		dst = binary.BigEndian.AppendUint32(dst, h.Type)
		dst = binary.BigEndian.AppendUint32(dst, h.Rights)
	}
	return dst
}

// EncodeFrame writes a complete frame to w in a single Write call.
// The caller must serialize writers sharing w, otherwise frames interleave
// and corrupt the stream.
func EncodeFrame(w io.Writer, f *Frame, limits Limits) error {
	if uint64(len(f.Bytes)) > uint64(limits.MaxBytes) || uint64(len(f.Handles)) > uint64(limits.MaxHandles) {
		return fmt.Errorf("%w: %d bytes, %d handles", ErrFrameTooBig, len(f.Bytes), len(f.Handles))
	}
	buf := make([]byte, 0, FrameHeaderSize+FrameHandleSize*len(f.Handles)+len(f.Bytes))
	buf = AppendFrameHeader(buf, f)
	buf = append(buf, f.Bytes...)
	_, err := w.Write(buf)
	return err
}

// ParseFrameHeader validates a fixed frame header and returns the declared
// byte length and handle count.
func ParseFrameHeader(b []byte, limits Limits) (byteLen, handleCount uint32, err error) {
	if len(b) < FrameHeaderSize {
		return 0, 0, io.ErrUnexpectedEOF
	}
	if b[0] != FrameMagic1 || b[1] != FrameMagic2 || b[2] != FrameMagic3 {
		return 0, 0, fmt.Errorf("%w: %x", ErrFrameMagic, b[0:3])
	}
	if b[3] != FrameVersion {
		return 0, 0, fmt.Errorf("%w: %d", ErrFrameVersion, b[3])
	}
	byteLen = binary.BigEndian.Uint32(b[4:8])
	handleCount = binary.BigEndian.Uint32(b[8:12])
	if byteLen > limits.MaxBytes || handleCount > limits.MaxHandles {
		return 0, 0, fmt.Errorf("%w: %d bytes, %d handles", ErrFrameTooBig, byteLen, handleCount)
	}
	return byteLen, handleCount, nil
}

// ParseHandleMeta decodes count dispositions from b.
func ParseHandleMeta(b []byte, count uint32) ([]HandleMeta, error) {
	if uint64(len(b)) < uint64(count)*FrameHandleSize {
		return nil, io.ErrUnexpectedEOF
	}
	metas := make([]HandleMeta, count)
	for i := range metas {
		off := i * FrameHandleSize
		metas[i] = HandleMeta{
			Type:   binary.BigEndian.Uint32(b[off : off+4]),
			Rights: binary.BigEndian.Uint32(b[off+4 : off+8]),
		}
	}
	return metas, nil
}

// DecodeFrame reads one complete frame from r. Limits are checked before any
// allocation sized by the peer.
func DecodeFrame(r io.Reader, limits Limits) (*Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	byteLen, handleCount, err := ParseFrameHeader(hdr[:], limits)
	if err != nil {
		return nil, err
	}

	f := &Frame{}
	if handleCount > 0 {
		meta := make([]byte, FrameHandleSize*int(handleCount))
		if _, err := io.ReadFull(r, meta); err != nil {
			return nil, err
		}
		if f.Handles, err = ParseHandleMeta(meta, handleCount); err != nil {
			return nil, err
		}
	}
	f.Bytes = make([]byte, byteLen)
	if _, err := io.ReadFull(r, f.Bytes); err != nil {
		return nil, err
	}
	return f, nil
}
