package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"unicode/utf8"

	"chanrpc/message"
	"chanrpc/protocol"
)

// decoder walks a body against a type. With an invalid out value it only
// validates structure; otherwise it also builds the Go value. Every offset is
// bounds-checked against len(b) before it is read.
type decoder struct {
	b           []byte
	next        uint32
	handles     []message.HandleInfo
	handleCount uint32
	nh          uint32
	ops         message.HandleOps
	checkRights bool
}

func (d *decoder) top(t *Type, out reflect.Value) error {
	if len(d.b)%protocol.ObjectAlignment != 0 {
		return malformed(0, "body length %d is not 8-byte aligned", len(d.b))
	}
	if uint64(len(d.b)) > math.MaxUint32 {
		return tooSmall(0, "body exceeds 4GiB")
	}
	primary := align8(uint64(t.size))
	if primary > uint64(len(d.b)) {
		return tooSmall(0, "body has %d bytes, %s needs %d", len(d.b), t, primary)
	}
	d.next = uint32(primary)
	if err := d.value(t, 0, out, 0); err != nil {
		return err
	}
	if d.next != uint32(len(d.b)) {
		return malformed(d.next, "%d trailing bytes", uint32(len(d.b))-d.next)
	}
	if d.nh != d.handleCount {
		return &DecodeError{Kind: ErrHandleCount, Offset: d.next,
			Reason: "consumed " + itoa(d.nh) + " of " + itoa(d.handleCount) + " handles"}
	}
	return nil
}

// claim reserves the next out-of-line object of size bytes.
func (d *decoder) claim(size uint64, at uint32) (uint32, error) {
	end := uint64(d.next) + align8(size)
	if end > uint64(len(d.b)) {
		return 0, tooSmall(at, "out-of-line object of %d bytes exceeds body", size)
	}
	start := d.next
	d.next = uint32(end)
	return start, nil
}

func (d *decoder) presence(t *Type, off uint32) (uint64, bool, error) {
	count := binary.LittleEndian.Uint64(d.b[off:])
	switch binary.LittleEndian.Uint64(d.b[off+8:]) {
	case allocAbsent:
		if !t.nullable {
			return 0, false, malformed(off, "absent non-nullable %s", t)
		}
		if count != 0 {
			return 0, false, malformed(off, "absent %s with non-zero count %d", t, count)
		}
		return 0, false, nil
	case allocPresent:
		return count, true, nil
	default:
		return 0, false, malformed(off, "invalid presence marker for %s", t)
	}
}

func (d *decoder) value(t *Type, off uint32, out reflect.Value, depth int) error {
	if depth > maxDepth {
		return malformed(off, "nesting deeper than %d", maxDepth)
	}
	build := out.IsValid()
	if build && !goTypeMatches(t, out) {
		return &DecodeError{Kind: ErrInvalidValue, Offset: off, Reason: "cannot decode " + t.String() + " into Go " + kindOf(out)}
	}
	b := d.b[off:]
	switch t.kind {
	case KindBool:
		if b[0] > 1 {
			return malformed(off, "invalid bool %d", b[0])
		}
		if build {
			out.SetBool(b[0] == 1)
		}
	case KindInt8:
		if build {
			out.SetInt(int64(int8(b[0])))
		}
	case KindUint8:
		if build {
			out.SetUint(uint64(b[0]))
		}
	case KindInt16:
		if build {
			out.SetInt(int64(int16(binary.LittleEndian.Uint16(b))))
		}
	case KindUint16:
		if build {
			out.SetUint(uint64(binary.LittleEndian.Uint16(b)))
		}
	case KindInt32:
		if build {
			out.SetInt(int64(int32(binary.LittleEndian.Uint32(b))))
		}
	case KindUint32:
		if build {
			out.SetUint(uint64(binary.LittleEndian.Uint32(b)))
		}
	case KindInt64:
		if build {
			out.SetInt(int64(binary.LittleEndian.Uint64(b)))
		}
	case KindUint64:
		if build {
			out.SetUint(binary.LittleEndian.Uint64(b))
		}
	case KindFloat32:
		if build {
			out.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
		}
	case KindFloat64:
		if build {
			out.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
	case KindHandle:
		return d.handle(t, off, out)
	case KindString:
		count, present, err := d.presence(t, off)
		if err != nil || !present {
			if build && err == nil {
				out.SetZero()
			}
			return err
		}
		if count > math.MaxUint32 || (t.maxCount > 0 && count > uint64(t.maxCount)) {
			return malformed(off, "string length %d exceeds bound", count)
		}
		start, err := d.claim(count, off)
		if err != nil {
			return err
		}
		s := d.b[start : start+uint32(count)]
		if !utf8.Valid(s) {
			return malformed(start, "string is not valid UTF-8")
		}
		if build {
			str := string(s)
			if t.nullable {
				out.Set(reflect.ValueOf(&str).Convert(out.Type()))
			} else {
				out.SetString(str)
			}
		}
	case KindVector:
		count, present, err := d.presence(t, off)
		if err != nil || !present {
			if build && err == nil {
				out.SetZero()
			}
			return err
		}
		if count > math.MaxUint32 || (t.maxCount > 0 && count > uint64(t.maxCount)) {
			return malformed(off, "vector count %d exceeds bound", count)
		}
		// Zero-size elements claim no bytes, so the body cannot bound the
		// count.
		if t.elem.size == 0 && count > uint64(len(d.b)) {
			return malformed(off, "vector of %d zero-size elements", count)
		}
		size := count * uint64(t.elem.size)
		if size > uint64(len(d.b)) {
			return tooSmall(off, "vector of %d elements exceeds body", count)
		}
		start, err := d.claim(size, off)
		if err != nil {
			return err
		}
		var vec reflect.Value
		if build {
			vec = reflect.MakeSlice(out.Type(), int(count), int(count))
			if isByteVector(t, vec) {
				copy(vec.Bytes(), d.b[start:start+uint32(size)])
				out.Set(vec)
				return nil
			}
		}
		for i := uint32(0); i < uint32(count); i++ {
			var ev reflect.Value
			if build {
				ev = vec.Index(int(i))
			}
			if err := d.value(t.elem, start+i*t.elem.size, ev, depth+1); err != nil {
				return err
			}
		}
		if build {
			out.Set(vec)
		}
	case KindArray:
		for i := uint32(0); i < t.count; i++ {
			var ev reflect.Value
			if build {
				ev = out.Index(int(i))
			}
			if err := d.value(t.elem, off+i*t.elem.size, ev, depth); err != nil {
				return err
			}
		}
	case KindStruct:
		for i, f := range t.members {
			var fv reflect.Value
			if build {
				fv = out.Field(i)
			}
			if err := d.value(f, off+t.offsets[i], fv, depth); err != nil {
				return err
			}
		}
	case KindPointer:
		switch binary.LittleEndian.Uint64(b) {
		case allocAbsent:
			if build {
				out.SetZero()
			}
			return nil
		case allocPresent:
		default:
			return malformed(off, "invalid presence marker for %s", t)
		}
		start, err := d.claim(uint64(t.elem.size), off)
		if err != nil {
			return err
		}
		var target reflect.Value
		if build {
			target = reflect.New(out.Type().Elem())
		}
		if err := d.value(t.elem, start, indirect(target), depth+1); err != nil {
			return err
		}
		if build {
			out.Set(target)
		}
	case KindUnion:
		tag, present, err := d.presence(t, off)
		if err != nil || !present {
			if build && err == nil {
				out.SetZero()
			}
			return err
		}
		if tag == 0 || tag > uint64(len(t.members)) {
			return malformed(off, "invalid tag %d for %s", tag, t)
		}
		variant := t.members[tag-1]
		start, err := d.claim(uint64(variant.size), off)
		if err != nil {
			return err
		}
		var uv reflect.Value
		if build {
			uv = out
			if t.nullable {
				uv = reflect.New(out.Type().Elem()).Elem()
			}
			uv.Field(0).SetUint(tag)
			if err := d.value(variant, start, uv.Field(int(tag)), depth+1); err != nil {
				return err
			}
			if t.nullable {
				out.Set(uv.Addr())
			}
			return nil
		}
		return d.value(variant, start, reflect.Value{}, depth+1)
	}
	return nil
}

func (d *decoder) handle(t *Type, off uint32, out reflect.Value) error {
	switch binary.LittleEndian.Uint32(d.b[off:]) {
	case handleAbsent:
		if !t.nullable {
			return malformed(off, "absent non-nullable handle")
		}
		if out.IsValid() {
			out.SetUint(uint64(message.HandleInvalid))
		}
		return nil
	case handlePresent:
	default:
		return malformed(off, "invalid handle placeholder")
	}
	if d.nh >= d.handleCount {
		return &DecodeError{Kind: ErrHandleCount, Offset: off, Reason: "more handle fields than handles"}
	}
	idx := d.nh
	d.nh++
	if d.handles == nil {
		return nil
	}
	info := &d.handles[idx]
	if d.checkRights {
		if err := EnsureActualHandleRights(info, t.objType, t.rights, d.ops); err != nil {
			var derr *DecodeError
			if errors.As(err, &derr) {
				derr.Offset = off
			}
			return err
		}
	}
	if out.IsValid() {
		out.SetUint(uint64(info.Handle))
	}
	return nil
}

func indirect(rv reflect.Value) reflect.Value {
	if !rv.IsValid() {
		return rv
	}
	return rv.Elem()
}

// goTypeMatches checks the settable Go destination against the descriptor.
// Content of composite kinds is checked as the walk reaches it.
func goTypeMatches(t *Type, out reflect.Value) bool {
	if !out.CanSet() {
		return false
	}
	rt := out.Type()
	switch t.kind {
	case KindString:
		if t.nullable {
			return rt.Kind() == reflect.Pointer && rt.Elem().Kind() == reflect.String
		}
		return rt.Kind() == reflect.String
	case KindVector:
		return rt.Kind() == reflect.Slice
	case KindArray:
		return rt.Kind() == reflect.Array && rt.Len() == int(t.count)
	case KindStruct:
		return rt.Kind() == reflect.Struct && rt.NumField() == len(t.members)
	case KindPointer:
		return rt.Kind() == reflect.Pointer && rt.Elem().Kind() == reflect.Struct
	case KindUnion:
		if t.nullable {
			if rt.Kind() != reflect.Pointer {
				return false
			}
			rt = rt.Elem()
		}
		return rt.Kind() == reflect.Struct && rt.NumField() == len(t.members)+1 && rt.Field(0).Type.Kind() == reflect.Uint64
	default:
		return primitiveMatches(t.kind, out)
	}
}

// Validate checks that body (the bytes after the header) is a well-formed
// encoding of t carrying exactly handleCount handles. It never builds values
// and never touches handles.
func Validate(body []byte, handleCount uint32, t *Type) error {
	d := &decoder{b: body, handleCount: handleCount}
	return d.top(t, reflect.Value{})
}

// ValidateMessage validates a complete message including its header.
func ValidateMessage(b []byte, handleCount uint32, t *Type) error {
	if _, err := protocol.ParseHeader(b); err != nil {
		return &DecodeError{Kind: ErrMalformed, Reason: err.Error()}
	}
	return Validate(b[protocol.HeaderSize:], handleCount, t)
}

// Decode decodes body into out, which must be a non-nil pointer. Handles are
// taken from handles in traversal order and checked against the declared
// type and rights; surplus rights are reduced through ops.
func Decode(body []byte, handles []message.HandleInfo, ops message.HandleOps, t *Type, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &DecodeError{Kind: ErrInvalidValue, Reason: "decode target must be a non-nil pointer"}
	}
	d := &decoder{b: body, handles: handles, handleCount: uint32(len(handles)), ops: ops, checkRights: true}
	return d.top(t, rv.Elem())
}

// DecodeMessage decodes the payload of msg into out. On success the handles
// belong to the decoded value; on failure every handle of msg is closed.
func DecodeMessage(msg *message.Incoming, t *Type, out any) error {
	if _, err := msg.Header(); err != nil {
		msg.CloseHandles()
		return &DecodeError{Kind: ErrMalformed, Reason: err.Error()}
	}
	if err := Decode(msg.Body(), msg.Handles(), msg.HandleOps(), t, out); err != nil {
		msg.CloseHandles()
		return err
	}
	msg.ReleaseHandles()
	return nil
}
