package codec

import (
	"fmt"

	"chanrpc/message"
)

// EnsureActualHandleRights checks a received handle against its declared type
// and rights. ObjectNone accepts any object type and RightSameRights accepts
// whatever rights the handle has. A handle carrying more rights than declared
// is replaced in place by one with exactly the declared rights.
func EnsureActualHandleRights(info *message.HandleInfo, wantType message.ObjectType, wantRights message.Rights, ops message.HandleOps) error {
	if wantType != message.ObjectNone && info.Type != wantType {
		return &DecodeError{Kind: ErrHandleRights,
			Reason: fmt.Sprintf("handle has object type %d, want %d", info.Type, wantType)}
	}
	if wantRights == message.RightSameRights {
		return nil
	}
	if !info.Rights.Has(wantRights) {
		return &DecodeError{Kind: ErrHandleRights,
			Reason: fmt.Sprintf("handle rights %#x lack %#x", uint32(info.Rights), uint32(wantRights&^info.Rights))}
	}
	if info.Rights == wantRights {
		return nil
	}
	if ops == nil {
		return &DecodeError{Kind: ErrHandleRights, Reason: "cannot reduce rights without handle ops"}
	}
	h, err := ops.Replace(info.Handle, wantRights)
	if err != nil {
		return &DecodeError{Kind: ErrHandleRights, Reason: "reducing rights: " + err.Error()}
	}
	info.Handle = h
	info.Rights = wantRights
	return nil
}
