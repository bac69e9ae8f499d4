package transport

import (
	"fmt"
	"sync"

	"chanrpc/message"
)

type kobject struct {
	typ    message.ObjectType
	rights message.Rights
}

// HandleTable models the kernel handle table shared by the ends of an
// in-process Pair. Handle values are never reused.
type HandleTable struct {
	mu      sync.Mutex
	next    message.Handle
	objects map[message.Handle]kobject
}

func NewHandleTable() *HandleTable {
	return &HandleTable{next: 1, objects: make(map[message.Handle]kobject)}
}

// Create allocates a handle to a new object.
func (t *HandleTable) Create(typ message.ObjectType, rights message.Rights) message.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(kobject{typ: typ, rights: rights})
}

func (t *HandleTable) insertLocked(o kobject) message.Handle {
	h := t.next
	t.next++
	t.objects[h] = o
	return h
}

func (t *HandleTable) Close(h message.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objects[h]; !ok {
		return fmt.Errorf("%w: %d", message.ErrBadHandle, h)
	}
	delete(t.objects, h)
	return nil
}

// Replace consumes h and returns a new handle to the same object holding
// rights, which must be a subset of the rights h had.
func (t *HandleTable) Replace(h message.Handle, rights message.Rights) (message.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[h]
	if !ok {
		return message.HandleInvalid, fmt.Errorf("%w: %d", message.ErrBadHandle, h)
	}
	delete(t.objects, h)
	if rights != message.RightSameRights {
		if !o.rights.Has(rights) {
			return message.HandleInvalid, fmt.Errorf("%w: rights %#x exceed %#x", message.ErrBadHandle, uint32(rights), uint32(o.rights))
		}
		o.rights = rights
	}
	return t.insertLocked(o), nil
}

// Lookup reports the type and rights of a live handle.
func (t *HandleTable) Lookup(h message.Handle) (message.HandleInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objects[h]
	return message.HandleInfo{Handle: h, Type: o.typ, Rights: o.rights}, ok
}

// Live returns the number of open handles.
func (t *HandleTable) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// transfer moves the handles named by dispositions out of the table for
// sending. Every handle is consumed; if any disposition is invalid, or a
// handle appears twice, none are transferred and the error is returned.
func (t *HandleTable) transfer(dispositions []message.HandleDisposition) ([]message.HandleInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	infos := make([]message.HandleInfo, len(dispositions))
	seen := make(map[message.Handle]struct{}, len(dispositions))
	var err error
	for i, d := range dispositions {
		o, ok := t.objects[d.Handle]
		_, dup := seen[d.Handle]
		seen[d.Handle] = struct{}{}
		switch {
		case dup:
			err = fmt.Errorf("%w: handle %d sent twice", message.ErrBadHandle, d.Handle)
		case !ok:
			err = fmt.Errorf("%w: %d", message.ErrBadHandle, d.Handle)
		case d.Type != message.ObjectNone && d.Type != o.typ:
			err = fmt.Errorf("%w: handle %d has type %d, want %d", message.ErrBadHandle, d.Handle, o.typ, d.Type)
		case d.Rights != message.RightSameRights && !o.rights.Has(d.Rights):
			err = fmt.Errorf("%w: handle %d lacks rights %#x", message.ErrBadHandle, d.Handle, uint32(d.Rights&^o.rights))
		}
		if err != nil {
			break
		}
		if d.Rights != message.RightSameRights {
			o.rights = d.Rights
		}
		infos[i] = message.HandleInfo{Type: o.typ, Rights: o.rights}
	}
	for _, d := range dispositions {
		delete(t.objects, d.Handle)
	}
	if err != nil {
		return nil, err
	}
	for i := range infos {
		infos[i].Handle = t.insertLocked(kobject{typ: infos[i].Type, rights: infos[i].Rights})
	}
	return infos, nil
}

func (t *HandleTable) closeAll(infos []message.HandleInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, info := range infos {
		delete(t.objects, info.Handle)
	}
}
