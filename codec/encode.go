package codec

import (
	"encoding/binary"
	"math"
	"reflect"

	"chanrpc/message"
	"chanrpc/protocol"
)

const (
	allocPresent  uint64 = math.MaxUint64
	allocAbsent   uint64 = 0
	handlePresent uint32 = math.MaxUint32
	handleAbsent  uint32 = 0

	// maxDepth bounds out-of-line nesting in both directions.
	maxDepth = 32
)

// EncodedLen is the number of bytes and handles an encoded value occupies.
type EncodedLen struct {
	Bytes   uint32
	Handles uint32
}

// Measure walks v and returns exactly how many bytes and handles Encode will
// produce for it. It performs every value check Encode relies on.
func Measure(t *Type, v any) (EncodedLen, error) {
	rv := topValue(t, reflect.ValueOf(v))
	m := &measurer{bytes: align8(uint64(t.size))}
	if err := m.value(t, rv, 0); err != nil {
		return EncodedLen{}, err
	}
	if m.bytes > math.MaxUint32 {
		return EncodedLen{}, &EncodeError{Kind: message.ErrBufferTooSmall, Type: t, Reason: "value exceeds 4GiB"}
	}
	return EncodedLen{Bytes: uint32(m.bytes), Handles: m.handles}, nil
}

// Encode writes v into bytes and handles. Capacity is checked against the
// measured size before anything is written, so a too-small buffer fails fast
// and leaves the storage untouched.
func Encode(t *Type, v any, bytes []byte, handles []message.HandleDisposition) (EncodedLen, error) {
	n, err := Measure(t, v)
	if err != nil {
		return EncodedLen{}, err
	}
	if uint64(n.Bytes) > uint64(len(bytes)) {
		return EncodedLen{}, &EncodeError{Kind: message.ErrBufferTooSmall, Type: t,
			Reason: "need " + itoa(n.Bytes) + " bytes, capacity " + itoa(uint32(len(bytes)))}
	}
	if uint64(n.Handles) > uint64(len(handles)) {
		return EncodedLen{}, &EncodeError{Kind: message.ErrBufferTooSmall, Type: t,
			Reason: "need " + itoa(n.Handles) + " handles, capacity " + itoa(uint32(len(handles)))}
	}

	buf := bytes[:n.Bytes]
	clear(buf)
	e := &encoder{buf: buf, handles: handles, next: uint32(align8(uint64(t.size)))}
	e.value(t, topValue(t, reflect.ValueOf(v)), 0)
	return n, nil
}

// EncodeMessage encodes v as the payload of a message with header h into a
// freshly sized buffer.
func EncodeMessage(h protocol.Header, t *Type, v any) (*message.Outgoing, error) {
	n, err := Measure(t, v)
	if err != nil {
		return nil, err
	}
	return EncodeMessageInto(message.NewOutgoingBuffer(protocol.HeaderSize+n.Bytes, n.Handles), h, t, v)
}

// EncodeMessageInto encodes into caller-provided storage, failing with
// message.ErrBufferTooSmall if it cannot hold header and payload.
func EncodeMessageInto(buf *message.OutgoingBuffer, h protocol.Header, t *Type, v any) (*message.Outgoing, error) {
	msg := buf.CreateEmptyMessage()
	b := msg.Bytes()
	if len(b) < protocol.HeaderSize {
		return nil, &EncodeError{Kind: message.ErrBufferTooSmall, Reason: "no room for header"}
	}
	n, err := Encode(t, v, b[protocol.HeaderSize:], msg.Handles())
	if err != nil {
		return nil, err
	}
	limits := protocol.DefaultLimits()
	if protocol.HeaderSize+n.Bytes > limits.MaxBytes || n.Handles > limits.MaxHandles {
		return nil, &EncodeError{Kind: message.ErrBufferTooSmall, Type: t, Reason: "message exceeds transport limits"}
	}
	h.Put(b)
	if err := msg.SetUsed(protocol.HeaderSize+n.Bytes, n.Handles); err != nil {
		return nil, err
	}
	return msg, nil
}

// topValue lets callers pass either a struct or a pointer to it.
func topValue(t *Type, rv reflect.Value) reflect.Value {
	if t.kind == KindStruct && rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return rv.Elem()
	}
	return rv
}

type measurer struct {
	bytes   uint64
	handles uint32
}

func (m *measurer) value(t *Type, rv reflect.Value, depth int) error {
	if depth > maxDepth {
		return invalidValue(t, "nesting deeper than %d", maxDepth)
	}
	switch t.kind {
	case KindHandle:
		if !primitiveMatches(t.kind, rv) {
			return invalidValue(t, "got Go %s", rv.Kind())
		}
		if rv.Uint() == uint64(message.HandleInvalid) {
			if !t.nullable {
				return invalidValue(t, "absent non-nullable handle")
			}
			return nil
		}
		m.handles++
	case KindString:
		s, present, err := stringValue(t, rv)
		if err != nil || !present {
			return err
		}
		if t.maxCount > 0 && uint64(len(s)) > uint64(t.maxCount) {
			return invalidValue(t, "%d bytes exceeds bound %d", len(s), t.maxCount)
		}
		m.bytes += align8(uint64(len(s)))
	case KindVector:
		vec, present, err := vectorValue(t, rv)
		if err != nil || !present {
			return err
		}
		n := vec.Len()
		if t.maxCount > 0 && uint64(n) > uint64(t.maxCount) {
			return invalidValue(t, "%d elements exceeds bound %d", n, t.maxCount)
		}
		m.bytes += align8(uint64(n) * uint64(t.elem.size))
		if isByteVector(t, vec) {
			return nil
		}
		for i := 0; i < n; i++ {
			if err := m.value(t.elem, vec.Index(i), depth+1); err != nil {
				return err
			}
		}
	case KindArray:
		if rv.Kind() != reflect.Array || rv.Len() != int(t.count) {
			return invalidValue(t, "got Go %s", rv.Type())
		}
		for i := 0; i < int(t.count); i++ {
			if err := m.value(t.elem, rv.Index(i), depth); err != nil {
				return err
			}
		}
	case KindStruct:
		if rv.Kind() != reflect.Struct || rv.NumField() != len(t.members) {
			return invalidValue(t, "got Go %s", kindOf(rv))
		}
		for i, f := range t.members {
			if err := m.value(f, rv.Field(i), depth); err != nil {
				return err
			}
		}
	case KindPointer:
		if rv.Kind() != reflect.Pointer || rv.Type().Elem().Kind() != reflect.Struct {
			return invalidValue(t, "got Go %s", kindOf(rv))
		}
		if rv.IsNil() {
			return nil
		}
		m.bytes += align8(uint64(t.elem.size))
		return m.value(t.elem, rv.Elem(), depth+1)
	case KindUnion:
		uv, present, err := unionValue(t, rv)
		if err != nil || !present {
			return err
		}
		tag := uv.Field(0).Uint()
		if tag == 0 || tag > uint64(len(t.members)) {
			return invalidValue(t, "unknown tag %d", tag)
		}
		variant := t.members[tag-1]
		m.bytes += align8(uint64(variant.size))
		return m.value(variant, uv.Field(int(tag)), depth+1)
	default:
		if !primitiveMatches(t.kind, rv) {
			return invalidValue(t, "got Go %s", kindOf(rv))
		}
	}
	return nil
}

// encoder writes a value that measurer has already accepted.
type encoder struct {
	buf     []byte
	next    uint32
	handles []message.HandleDisposition
	nh      uint32
}

func (e *encoder) alloc(size uint64) uint32 {
	start := e.next
	e.next += uint32(align8(size))
	return start
}

func (e *encoder) value(t *Type, rv reflect.Value, off uint32) {
	b := e.buf[off:]
	switch t.kind {
	case KindBool:
		if rv.Bool() {
			b[0] = 1
		}
	case KindInt8:
		b[0] = byte(rv.Int())
	case KindUint8:
		b[0] = byte(rv.Uint())
	case KindInt16:
		binary.LittleEndian.PutUint16(b, uint16(rv.Int()))
	case KindUint16:
		binary.LittleEndian.PutUint16(b, uint16(rv.Uint()))
	case KindInt32:
		binary.LittleEndian.PutUint32(b, uint32(rv.Int()))
	case KindUint32:
		binary.LittleEndian.PutUint32(b, uint32(rv.Uint()))
	case KindInt64:
		binary.LittleEndian.PutUint64(b, uint64(rv.Int()))
	case KindUint64:
		binary.LittleEndian.PutUint64(b, rv.Uint())
	case KindFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(rv.Float())))
	case KindFloat64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(rv.Float()))
	case KindHandle:
		h := message.Handle(rv.Uint())
		if h == message.HandleInvalid {
			binary.LittleEndian.PutUint32(b, handleAbsent)
			return
		}
		e.handles[e.nh] = message.HandleDisposition{Handle: h, Type: t.objType, Rights: t.rights}
		e.nh++
		binary.LittleEndian.PutUint32(b, handlePresent)
	case KindString:
		s, present, _ := stringValue(t, rv)
		if !present {
			return
		}
		binary.LittleEndian.PutUint64(b[0:8], uint64(len(s)))
		binary.LittleEndian.PutUint64(b[8:16], allocPresent)
		start := e.alloc(uint64(len(s)))
		copy(e.buf[start:], s)
	case KindVector:
		vec, present, _ := vectorValue(t, rv)
		if !present {
			return
		}
		n := vec.Len()
		binary.LittleEndian.PutUint64(b[0:8], uint64(n))
		binary.LittleEndian.PutUint64(b[8:16], allocPresent)
		start := e.alloc(uint64(n) * uint64(t.elem.size))
		if isByteVector(t, vec) {
			copy(e.buf[start:], vec.Bytes())
			return
		}
		for i := 0; i < n; i++ {
			e.value(t.elem, vec.Index(i), start+uint32(i)*t.elem.size)
		}
	case KindArray:
		for i := 0; i < int(t.count); i++ {
			e.value(t.elem, rv.Index(i), off+uint32(i)*t.elem.size)
		}
	case KindStruct:
		for i, f := range t.members {
			e.value(f, rv.Field(i), off+t.offsets[i])
		}
	case KindPointer:
		if rv.IsNil() {
			return
		}
		binary.LittleEndian.PutUint64(b, allocPresent)
		start := e.alloc(uint64(t.elem.size))
		e.value(t.elem, rv.Elem(), start)
	case KindUnion:
		uv, present, _ := unionValue(t, rv)
		if !present {
			return
		}
		tag := uv.Field(0).Uint()
		binary.LittleEndian.PutUint64(b[0:8], tag)
		binary.LittleEndian.PutUint64(b[8:16], allocPresent)
		variant := t.members[tag-1]
		start := e.alloc(uint64(variant.size))
		e.value(variant, uv.Field(int(tag)), start)
	}
}
