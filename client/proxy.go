package client

import (
	"errors"
	"fmt"
	"sync"

	"chanrpc/codec"
	"chanrpc/message"
	"chanrpc/observability"
	"chanrpc/protocol"
	"chanrpc/transport"
)

var (
	// ErrChannelGone resolves every call that was pending when the channel
	// was lost.
	ErrChannelGone = errors.New("client: channel gone")
	// ErrNoTxids: every transaction id is in use.
	ErrNoTxids = errors.New("client: no free transaction id")
	// ErrMalformedMessage: an incoming message has no valid header.
	ErrMalformedMessage = errors.New("client: malformed message")
)

// txidMask keeps transaction ids in the positive 31-bit range.
const txidMask = 1<<31 - 1

// ResponseHandler receives the response to one call. Exactly one of msg and
// err is set. On success the handler owns msg and its handles.
type ResponseHandler func(msg *message.Incoming, err error)

// EventDispatcher receives server-initiated messages (txid 0).
type EventDispatcher interface {
	DispatchEvent(msg *message.Incoming) error
}

// ProxyController matches responses to calls on one channel.
//
//	Send(txid=1) ──► pending{1: h1} ──write──►
//	Send(txid=2) ──► pending{1: h1, 2: h2} ──write──►
//	OnMessage(txid=2) ──► remove 2 ──► h2(msg)
//
// Ids start at 1, skip 0 and any id still pending.
type ProxyController struct {
	ch     transport.Channel
	events EventDispatcher

	mu       sync.Mutex
	nextTxid uint32
	pending  map[uint32]ResponseHandler
}

// NewProxyController returns a controller writing to ch. events may be nil,
// in which case incoming events are protocol errors.
func NewProxyController(ch transport.Channel, events EventDispatcher) *ProxyController {
	return &ProxyController{
		ch:       ch,
		events:   events,
		nextTxid: 1,
		pending:  make(map[uint32]ResponseHandler),
	}
}

// Send validates msg against t and writes it. With a handler, a fresh
// transaction id is stamped into msg and the handler runs when the response
// arrives; without one the message is one-way and keeps txid 0.
//
// If validation or the write fails the pending entry is removed, the error
// is returned and the handler is never called. Handles in msg are consumed
// either way.
func (p *ProxyController) Send(t *codec.Type, msg *message.Outgoing, handler ResponseHandler) error {
	var txid uint32
	if handler != nil {
		p.mu.Lock()
		var err error
		txid, err = p.allocTxidLocked()
		if err != nil {
			p.mu.Unlock()
			msg.CloseHandles()
			return err
		}
		p.pending[txid] = handler
		p.mu.Unlock()
		observability.RecordPending(1)
	}
	msg.SetTxid(txid)

	if err := codec.ValidateMessage(msg.Bytes(), uint32(len(msg.Handles())), t); err != nil {
		p.forget(txid)
		msg.CloseHandles()
		return err
	}
	err := p.ch.Write(msg.Bytes(), msg.Handles())
	msg.ReleaseHandles()
	if err != nil {
		p.forget(txid)
		return err
	}
	kind := observability.KindRequest
	if txid == 0 {
		kind = observability.KindEvent
	}
	observability.RecordSent(observability.SideClient, kind)
	return nil
}

func (p *ProxyController) allocTxidLocked() (uint32, error) {
	if len(p.pending) >= txidMask {
		return 0, ErrNoTxids
	}
	for {
		txid := p.nextTxid & txidMask
		p.nextTxid++
		if txid == 0 {
			continue
		}
		if _, used := p.pending[txid]; used {
			continue
		}
		return txid, nil
	}
}

func (p *ProxyController) forget(txid uint32) {
	if txid == 0 {
		return
	}
	p.mu.Lock()
	_, ok := p.pending[txid]
	delete(p.pending, txid)
	p.mu.Unlock()
	if ok {
		observability.RecordPending(-1)
	}
}

// OnMessage routes one incoming message. A response is handed to the
// handler registered for its txid and that entry alone is removed. Events go
// to the event dispatcher. An epitaph yields a *protocol.EpitaphError.
func (p *ProxyController) OnMessage(msg *message.Incoming) error {
	h, err := msg.Header()
	if err != nil {
		msg.CloseHandles()
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if h.Txid == 0 {
		if h.IsEpitaph() {
			observability.RecordReceived(observability.SideClient, observability.KindEpitaph)
			status, err := protocol.DecodeEpitaph(msg.Bytes())
			msg.CloseHandles()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
			}
			return &protocol.EpitaphError{Status: status}
		}
		observability.RecordReceived(observability.SideClient, observability.KindEvent)
		if p.events == nil {
			msg.CloseHandles()
			return protocol.UnexpectedEvent(h)
		}
		return p.events.DispatchEvent(msg)
	}

	p.mu.Lock()
	handler, ok := p.pending[h.Txid]
	delete(p.pending, h.Txid)
	p.mu.Unlock()
	if !ok {
		msg.CloseHandles()
		return protocol.UnknownTxid(h)
	}
	observability.RecordPending(-1)
	observability.RecordReceived(observability.SideClient, observability.KindResponse)
	handler(msg, nil)
	return nil
}

// OnChannelGone clears the pending table, resets the id counter and resolves
// every call that was outstanding with an error wrapping ErrChannelGone and
// cause.
func (p *ProxyController) OnChannelGone(cause error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint32]ResponseHandler)
	p.nextTxid = 1
	p.mu.Unlock()

	observability.RecordPending(-len(pending))
	err := ErrChannelGone
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrChannelGone, cause)
	}
	for _, handler := range pending {
		handler(nil, err)
	}
}

// Abandon keeps txid reserved but discards its response when it arrives.
// Used when the caller stops waiting, so a late response is neither an
// unknown-txid error nor delivered to anyone.
func (p *ProxyController) Abandon(txid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[txid]; ok {
		p.pending[txid] = discard
	}
}

func discard(msg *message.Incoming, _ error) {
	if msg != nil {
		msg.CloseHandles()
	}
}

// Pending returns the number of outstanding calls.
func (p *ProxyController) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
