package message

import "errors"

// Handle is a reference to a kernel object owned by the current holder of the
// message it travels in. The zero value never refers to an object.
type Handle uint32

const HandleInvalid Handle = 0

// ObjectType identifies the kind of kernel object a handle refers to.
type ObjectType uint32

const (
	ObjectNone      ObjectType = 0
	ObjectProcess   ObjectType = 1
	ObjectThread    ObjectType = 2
	ObjectVMO       ObjectType = 3
	ObjectChannel   ObjectType = 4
	ObjectEvent     ObjectType = 5
	ObjectPort      ObjectType = 6
	ObjectSocket    ObjectType = 14
	ObjectEventPair ObjectType = 16
	// ObjectFile is a plain file descriptor passed over a unix socket.
	ObjectFile      ObjectType = 0x1000
)

// Rights is a bitmask of operations permitted through a handle.
type Rights uint32

const (
	RightNone        Rights = 0
	RightDuplicate   Rights = 1 << 0
	RightTransfer    Rights = 1 << 1
	RightRead        Rights = 1 << 2
	RightWrite       Rights = 1 << 3
	RightExecute     Rights = 1 << 4
	RightMap         Rights = 1 << 5
	RightGetProperty Rights = 1 << 6
	RightSetProperty Rights = 1 << 7
	RightSignal      Rights = 1 << 12
	RightWait        Rights = 1 << 14
	RightInspect     Rights = 1 << 15

	// RightSameRights in a declaration accepts whatever rights the handle
	// actually carries.
	RightSameRights Rights = 1 << 31

	RightsBasic = RightTransfer | RightDuplicate | RightWait | RightInspect
	RightsIO    = RightRead | RightWrite
)

// Has reports whether r includes every right in want.
func (r Rights) Has(want Rights) bool { return r&want == want }

// HandleDisposition is an outgoing handle slot: the handle being transferred
// and the type and rights the sender intends the receiver to get.
type HandleDisposition struct {
	Handle Handle
	Type   ObjectType
	Rights Rights
}

// HandleInfo is an incoming handle slot: a received handle with the type and
// rights the kernel reports it actually has.
type HandleInfo struct {
	Handle Handle
	Type   ObjectType
	Rights Rights
}

var ErrBadHandle = errors.New("message: bad handle")

// HandleOps performs kernel operations on handles held in a message. It is
// supplied by whichever transport produced or will consume the message.
type HandleOps interface {
	// Close releases h.
	Close(h Handle) error
	// Replace returns a handle to the same object with reduced rights. The
	// original handle is consumed.
	Replace(h Handle, rights Rights) (Handle, error)
}
