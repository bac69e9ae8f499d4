// Package protocol defines the chanrpc wire contract: the 16-byte transactional
// message header, the epitaph message, status codes and the frame codec used to
// carry messages over byte-stream transports.
//
// Message header (all fields little-endian):
//
//	0         4     6   7   8                16
//	┌─────────┬─────┬───┬───┬─────────────────┬───────────────┐
//	│  txid   │ rsv │ m │ f │     ordinal     │   body ...    │
//	│ uint32  │ 2B  │01 │   │     uint64      │ 8-byte aligned│
//	└─────────┴─────┴───┴───┴─────────────────┴───────────────┘
//
// txid 0 is reserved: the message is an event (server → client) or a one-way
// call (client → server) and no response will be matched against it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize = 16
	// Magic identifies the body encoding. A peer that sees any other value
	// cannot interpret the body and must treat the message as malformed.
	Magic byte = 0x01

	// ObjectAlignment is the alignment of every inline and out-of-line object
	// boundary inside a message body.
	ObjectAlignment = 8

	// EpitaphOrdinal marks the terminal status message a server writes right
	// before it closes a channel.
	EpitaphOrdinal uint64 = 0xFFFFFFFFFFFFFFFF
	// EpitaphSize is the full size of an epitaph message: header, int32
	// status and four bytes of padding.
	EpitaphSize = HeaderSize + 8
)

var (
	ErrShortHeader  = errors.New("protocol: message shorter than header")
	ErrInvalidMagic = errors.New("protocol: invalid magic number")
)

// Header is the decoded form of the fixed message header.
type Header struct {
	Txid    uint32
	Magic   byte
	Flags   byte
	Ordinal uint64
}

// NewHeader returns a header for ordinal with the current magic number.
func NewHeader(txid uint32, ordinal uint64) Header {
	return Header{Txid: txid, Magic: Magic, Ordinal: ordinal}
}

// IsEvent reports whether no response is correlated with this message.
func (h Header) IsEvent() bool { return h.Txid == 0 }

func (h Header) IsEpitaph() bool { return h.Ordinal == EpitaphOrdinal }

// Put writes h into the first HeaderSize bytes of b. Reserved bytes are zeroed.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:4], h.Txid)
	b[4], b[5] = 0, 0
	b[6] = h.Magic
	b[7] = h.Flags
	binary.LittleEndian.PutUint64(b[8:16], h.Ordinal)
}

// ParseHeader decodes the header at the start of b. The reserved bytes are
// never read.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Txid:    binary.LittleEndian.Uint32(b[0:4]),
		Magic:   b[6],
		Flags:   b[7],
		Ordinal: binary.LittleEndian.Uint64(b[8:16]),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: %#x", ErrInvalidMagic, h.Magic)
	}
	return h, nil
}

// SetTxid overwrites the transaction id of an encoded message in place.
func SetTxid(b []byte, txid uint32) {
	binary.LittleEndian.PutUint32(b[0:4], txid)
}

// EncodeEpitaph returns a complete epitaph message carrying status.
func EncodeEpitaph(status Status) []byte {
	b := make([]byte, EpitaphSize)
	NewHeader(0, EpitaphOrdinal).Put(b)
	binary.LittleEndian.PutUint32(b[HeaderSize:HeaderSize+4], uint32(int32(status)))
	return b
}

// DecodeEpitaph extracts the status of an epitaph message.
func DecodeEpitaph(b []byte) (Status, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return StatusInternal, err
	}
	if !h.IsEpitaph() || h.Txid != 0 || len(b) != EpitaphSize {
		return StatusInternal, fmt.Errorf("protocol: malformed epitaph (txid=%d len=%d)", h.Txid, len(b))
	}
	return Status(int32(binary.LittleEndian.Uint32(b[HeaderSize : HeaderSize+4]))), nil
}
