package server

import (
	"context"
	"fmt"
	"sort"

	"chanrpc/codec"
	"chanrpc/message"
)

// InvokeFunc decodes msg and calls the matching method of impl. It owns msg
// and must close its handles if it does not hand them on. Decode failures
// are reported through txn.InternalError.
type InvokeFunc func(impl any, msg *message.Incoming, txn *Transaction)

// MethodEntry is one row of a method table.
type MethodEntry struct {
	Ordinal uint64
	Name    string
	// Response is the reply payload type, or nil for one-way methods.
	Response *codec.Type
	Invoke   InvokeFunc
}

// TwoWay reports whether callers wait for a reply.
func (e *MethodEntry) TwoWay() bool { return e.Response != nil }

// MethodTable maps ordinals to entries. It is immutable once built and is
// searched by binary search.
type MethodTable struct {
	name    string
	entries []MethodEntry
}

// NewMethodTable sorts entries by ordinal. Duplicate ordinals, the epitaph
// ordinal and entries without an Invoke function are rejected.
func NewMethodTable(name string, entries ...MethodEntry) (*MethodTable, error) {
	sorted := make([]MethodEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })
	for i := range sorted {
		e := &sorted[i]
		if e.Invoke == nil {
			return nil, fmt.Errorf("server: %s.%s has no invoke function", name, e.Name)
		}
		if e.Ordinal == epitaphOrdinal {
			return nil, fmt.Errorf("server: %s.%s uses the epitaph ordinal", name, e.Name)
		}
		if i > 0 && sorted[i-1].Ordinal == e.Ordinal {
			return nil, fmt.Errorf("server: %s: ordinal %#x used by %s and %s", name, e.Ordinal, sorted[i-1].Name, e.Name)
		}
	}
	return &MethodTable{name: name, entries: sorted}, nil
}

// MustMethodTable is NewMethodTable for package-level tables.
func MustMethodTable(name string, entries ...MethodEntry) *MethodTable {
	t, err := NewMethodTable(name, entries...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *MethodTable) Name() string { return t.name }
func (t *MethodTable) Len() int     { return len(t.entries) }

// Lookup returns the entry for ordinal.
func (t *MethodTable) Lookup(ordinal uint64) (*MethodEntry, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Ordinal >= ordinal })
	if i < len(t.entries) && t.entries[i].Ordinal == ordinal {
		return &t.entries[i], true
	}
	return nil, false
}

// Method builds an entry whose request payload of type reqT is decoded into
// a Req and passed to fn together with the completer of the transaction.
// respT is nil for one-way methods.
//
//	var Table = server.MustMethodTable("Echo",
//		server.Method(1, "Echo", echoReq, echoResp, func(impl Echo, ctx context.Context, req *EchoRequest, c *server.Completer) {
//			impl.Echo(ctx, req, c)
//		}),
//	)
func Method[I any, Req any](ordinal uint64, name string, reqT, respT *codec.Type,
	fn func(impl I, ctx context.Context, req *Req, c *Completer)) MethodEntry {
	return MethodEntry{
		Ordinal:  ordinal,
		Name:     name,
		Response: respT,
		Invoke: func(impl any, msg *message.Incoming, txn *Transaction) {
			typed, ok := impl.(I)
			if !ok {
				msg.CloseHandles()
				txn.InternalError(OriginReceive, fmt.Errorf("server: %T does not implement %s", impl, name))
				return
			}
			req := new(Req)
			if err := codec.DecodeMessage(msg, reqT, req); err != nil {
				txn.InternalError(OriginReceive, err)
				return
			}
			fn(typed, txn.Context(), req, txn.Completer())
		},
	}
}
