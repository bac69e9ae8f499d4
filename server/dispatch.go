package server

import (
	"errors"

	"chanrpc/message"
	"chanrpc/protocol"
)

const epitaphOrdinal = protocol.EpitaphOrdinal

// ErrMalformedMessage is the receive-side error for a message without a
// valid header.
var ErrMalformedMessage = errors.New("server: malformed message")

// DispatchResult tells a caller holding several tables whether to try the
// next one.
type DispatchResult int

const (
	NotFound DispatchResult = iota
	Found
)

func (r DispatchResult) String() string {
	if r == Found {
		return "found"
	}
	return "not found"
}

// TryDispatch invokes the entry of table matching the ordinal of msg.
//
// A malformed message is reported as a receive-side error and yields Found:
// no other table may reinterpret it. On NotFound msg is untouched and still
// owns its handles.
func TryDispatch(impl any, msg *message.Incoming, txn *Transaction, table *MethodTable) DispatchResult {
	h, err := msg.Header()
	if err != nil {
		msg.CloseHandles()
		txn.InternalError(OriginReceive, errors.Join(ErrMalformedMessage, err))
		return Found
	}
	entry, ok := table.Lookup(h.Ordinal)
	if !ok {
		return NotFound
	}
	txn.invoke(impl, msg, entry)
	return Found
}

// Dispatch is the terminal dispatch step: if no table handles msg, its
// handles are closed and an unknown-ordinal protocol error is reported.
func Dispatch(impl any, msg *message.Incoming, txn *Transaction, tables ...*MethodTable) {
	if DispatchChain(impl, msg, txn, tables...) == Found {
		return
	}
	msg.CloseHandles()
	h, err := msg.Header()
	if err != nil {
		txn.InternalError(OriginReceive, errors.Join(ErrMalformedMessage, err))
		return
	}
	txn.InternalError(OriginReceive, protocol.UnknownOrdinal(h))
}

// DispatchChain tries tables in order and stops at the first Found.
func DispatchChain(impl any, msg *message.Incoming, txn *Transaction, tables ...*MethodTable) DispatchResult {
	for _, table := range tables {
		if TryDispatch(impl, msg, txn, table) == Found {
			return Found
		}
	}
	return NotFound
}
