// Package codec encodes Go values into the chanrpc wire format and decodes
// them back, guided by static type descriptors.
//
// A message body is one primary object followed by out-of-line objects
// appended in depth-first traversal order, each padded to 8 bytes:
//
//	body ──► ┌────────────────────┬──────────┬──────────┬─────┐
//	         │ primary (inline)   │ ool #1   │ ool #2   │ ... │
//	         │ fixed-size fields  │ e.g. str │ e.g. vec │     │
//	         └────────────────────┴──────────┴──────────┴─────┘
//	                 8-aligned      8-aligned  8-aligned
//
// Strings, vectors, boxed structs and unions leave a fixed-size presence or
// length record inline; their content goes out of line. Handles never appear
// in the byte stream: each present handle consumes the next slot of the side
// handle array.
//
// Descriptors are built once, normally by generated code, and are immutable.
package codec

import (
	"fmt"

	"chanrpc/message"
)

// Kind classifies a Type.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindVector
	KindArray
	KindStruct
	KindPointer
	KindUnion
	KindHandle
)

var kindNames = [...]string{
	KindBool:    "bool",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindVector:  "vector",
	KindArray:   "array",
	KindStruct:  "struct",
	KindPointer: "box",
	KindUnion:   "union",
	KindHandle:  "handle",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Type describes the wire shape of a value.
type Type struct {
	kind     Kind
	name     string
	nullable bool
	maxCount uint32 // string bytes or vector elements; 0 means unbounded
	elem     *Type  // vector, array and box element
	count    uint32 // array length
	members  []*Type
	offsets  []uint32
	objType  message.ObjectType
	rights   message.Rights
	size     uint32
	align    uint32
}

func primitive(k Kind, size uint32) *Type {
	return &Type{kind: k, size: size, align: size}
}

var (
	Bool    = primitive(KindBool, 1)
	Int8    = primitive(KindInt8, 1)
	Int16   = primitive(KindInt16, 2)
	Int32   = primitive(KindInt32, 4)
	Int64   = primitive(KindInt64, 8)
	Uint8   = primitive(KindUint8, 1)
	Uint16  = primitive(KindUint16, 2)
	Uint32  = primitive(KindUint32, 4)
	Uint64  = primitive(KindUint64, 8)
	Float32 = primitive(KindFloat32, 4)
	Float64 = primitive(KindFloat64, 8)

	// Empty is the payload of methods without parameters.
	Empty = Struct("Empty")
)

// String returns a string type holding at most maxBytes bytes (0: unbounded).
func String(maxBytes uint32) *Type {
	return &Type{kind: KindString, maxCount: maxBytes, size: 16, align: 8}
}

func NullableString(maxBytes uint32) *Type {
	t := String(maxBytes)
	t.nullable = true
	return t
}

// Vector returns a vector of at most maxCount elements (0: unbounded).
func Vector(elem *Type, maxCount uint32) *Type {
	return &Type{kind: KindVector, elem: elem, maxCount: maxCount, size: 16, align: 8}
}

func NullableVector(elem *Type, maxCount uint32) *Type {
	t := Vector(elem, maxCount)
	t.nullable = true
	return t
}

// Array returns a fixed-length array. Zero-length arrays have no size and
// are rejected.
func Array(elem *Type, n uint32) *Type {
	if n == 0 || elem.size == 0 {
		panic("codec: zero-size array of " + elem.kind.String())
	}
	return &Type{kind: KindArray, elem: elem, count: n, size: elem.size * n, align: elem.align}
}

// Struct lays fields out in declaration order, each at its natural
// alignment. An empty struct occupies one byte.
func Struct(name string, fields ...*Type) *Type {
	t := &Type{kind: KindStruct, name: name, members: fields, offsets: make([]uint32, len(fields)), align: 1}
	var off uint32
	for i, f := range fields {
		off = alignTo(off, f.align)
		t.offsets[i] = off
		off += f.size
		t.align = max(t.align, f.align)
	}
	if len(fields) == 0 {
		off = 1
	}
	t.size = alignTo(off, t.align)
	return t
}

// Box returns an optional out-of-line reference to a struct.
func Box(s *Type) *Type {
	if s.kind != KindStruct {
		panic(fmt.Sprintf("codec: Box of %s", s.kind))
	}
	return &Type{kind: KindPointer, name: s.name, elem: s, nullable: true, size: 8, align: 8}
}

// Union selects one of its variants by a 1-based tag. The variant content
// is stored out of line.
func Union(name string, variants ...*Type) *Type {
	if len(variants) == 0 {
		panic("codec: union " + name + " has no variants")
	}
	return &Type{kind: KindUnion, name: name, members: variants, size: 16, align: 8}
}

func NullableUnion(name string, variants ...*Type) *Type {
	t := Union(name, variants...)
	t.nullable = true
	return t
}

// Handle declares a handle of object type obj with rights. ObjectNone accepts
// any object type and RightSameRights accepts any rights.
func Handle(obj message.ObjectType, rights message.Rights) *Type {
	return &Type{kind: KindHandle, objType: obj, rights: rights, size: 4, align: 4}
}

func NullableHandle(obj message.ObjectType, rights message.Rights) *Type {
	t := Handle(obj, rights)
	t.nullable = true
	return t
}

func (t *Type) Kind() Kind                     { return t.kind }
func (t *Type) Name() string                   { return t.name }
func (t *Type) Nullable() bool                 { return t.nullable }
func (t *Type) MaxCount() uint32               { return t.maxCount }
func (t *Type) Elem() *Type                    { return t.elem }
func (t *Type) Len() uint32                    { return t.count }
func (t *Type) Members() []*Type               { return t.members }
func (t *Type) ObjectType() message.ObjectType { return t.objType }
func (t *Type) Rights() message.Rights         { return t.rights }

// InlineSize is the number of bytes the type occupies where it is declared.
func (t *Type) InlineSize() uint32 { return t.size }

func (t *Type) Alignment() uint32 { return t.align }

// FieldOffset returns the inline offset of struct field i.
func (t *Type) FieldOffset(i int) uint32 { return t.offsets[i] }

func (t *Type) String() string {
	s := t.kind.String()
	switch t.kind {
	case KindStruct, KindUnion, KindPointer:
		if t.name != "" {
			s += " " + t.name
		}
	case KindVector, KindArray:
		s += "<" + t.elem.String() + ">"
	}
	if t.nullable {
		s += "?"
	}
	return s
}

func alignTo(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
