package codec

import (
	"errors"
	"fmt"

	"chanrpc/message"
)

var (
	// ErrInvalidValue: the Go value cannot be represented by the type, e.g. a
	// string longer than its bound or an absent non-nullable field.
	ErrInvalidValue = errors.New("codec: invalid value for type")
	// ErrMalformed: the bytes do not describe a valid object of the type.
	ErrMalformed = errors.New("codec: malformed message")
	// ErrHandleCount: the number of handle slots does not match the number of
	// present handle fields.
	ErrHandleCount = errors.New("codec: wrong handle count")
	// ErrHandleRights: a received handle has the wrong object type or lacks
	// declared rights.
	ErrHandleRights = errors.New("codec: invalid handle type or rights")
)

// EncodeError is returned by Measure and Encode. Kind is ErrInvalidValue or
// message.ErrBufferTooSmall.
type EncodeError struct {
	Kind   error
	Type   *Type
	Reason string
}

func (e *EncodeError) Error() string {
	if e.Type != nil {
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Type, e.Reason)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *EncodeError) Unwrap() error { return e.Kind }

func invalidValue(t *Type, format string, args ...any) error {
	return &EncodeError{Kind: ErrInvalidValue, Type: t, Reason: fmt.Sprintf(format, args...)}
}

// DecodeError is returned by Validate and Decode. Kind is one of
// message.ErrBufferTooSmall, ErrMalformed, ErrHandleCount or ErrHandleRights.
type DecodeError struct {
	Kind   error
	Offset uint32
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s", e.Kind, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func malformed(off uint32, format string, args ...any) error {
	return &DecodeError{Kind: ErrMalformed, Offset: off, Reason: fmt.Sprintf(format, args...)}
}

func tooSmall(off uint32, format string, args ...any) error {
	return &DecodeError{Kind: message.ErrBufferTooSmall, Offset: off, Reason: fmt.Sprintf(format, args...)}
}
