package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOrdinal is reported when no method table has an entry for an
	// incoming request.
	ErrUnknownOrdinal = errors.New("protocol: unknown ordinal")
	// ErrUnknownTxid is reported for a response whose transaction id has no
	// pending call, e.g. a duplicate or unsolicited response.
	ErrUnknownTxid = errors.New("protocol: response for unknown transaction id")
	// ErrUnexpectedEvent is reported when an event arrives and no event
	// handler is registered.
	ErrUnexpectedEvent = errors.New("protocol: unexpected event")
	// ErrTxidMismatch is reported when a request's transaction id contradicts
	// what the method declares (a two-way call without txid, or the reverse).
	ErrTxidMismatch = errors.New("protocol: transaction id does not match method kind")
)

// ProtocolError describes a well-formed message that violates the
// request/response protocol.
type ProtocolError struct {
	Kind    error
	Status  Status
	Txid    uint32
	Ordinal uint64
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v (txid=%d ordinal=%#x status=%s)", e.Kind, e.Txid, e.Ordinal, e.Status)
}

func (e *ProtocolError) Unwrap() []error { return []error{e.Kind, e.Status} }

func UnknownOrdinal(h Header) error {
	return &ProtocolError{Kind: ErrUnknownOrdinal, Status: StatusNotSupported, Txid: h.Txid, Ordinal: h.Ordinal}
}

func UnknownTxid(h Header) error {
	return &ProtocolError{Kind: ErrUnknownTxid, Status: StatusNotFound, Txid: h.Txid, Ordinal: h.Ordinal}
}

func UnexpectedEvent(h Header) error {
	return &ProtocolError{Kind: ErrUnexpectedEvent, Status: StatusNotSupported, Txid: h.Txid, Ordinal: h.Ordinal}
}

func TxidMismatch(h Header) error {
	return &ProtocolError{Kind: ErrTxidMismatch, Status: StatusInvalidArgs, Txid: h.Txid, Ordinal: h.Ordinal}
}

// EpitaphError is the terminal error a client observes when the server closed
// the channel with an epitaph.
type EpitaphError struct {
	Status Status
}

func (e *EpitaphError) Error() string {
	return "protocol: peer closed with epitaph " + e.Status.String()
}

func (e *EpitaphError) Unwrap() error { return e.Status }
