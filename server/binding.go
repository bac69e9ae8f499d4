package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chanrpc/codec"
	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/observability"
	"chanrpc/protocol"
	"chanrpc/transport"
)

// Origin tells whether a teardown error came from a bad incoming message or
// a failed outgoing write.
type Origin int

const (
	OriginUser Origin = iota
	OriginReceive
	OriginSend
)

func (o Origin) String() string {
	switch o {
	case OriginReceive:
		return "receive"
	case OriginSend:
		return "send"
	}
	return "user"
}

// Reason is why a binding ended.
type Reason int

const (
	// ReasonUnbind: Unbind was called.
	ReasonUnbind Reason = iota
	// ReasonClose: Close sent an epitaph.
	ReasonClose
	// ReasonPeerClosed: the client closed its end or sent an epitaph.
	ReasonPeerClosed
	// ReasonDispatchError: an incoming message could not be dispatched.
	ReasonDispatchError
	// ReasonTransportError: reading or writing the channel failed.
	ReasonTransportError
)

var reasonNames = [...]string{"unbind", "close", "peer_closed", "dispatch_error", "transport_error"}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// UnbindInfo is delivered once per binding through Options.OnUnbound.
type UnbindInfo struct {
	Reason Reason
	Origin Origin
	// Status is the epitaph sent or received, if any.
	Status protocol.Status
	Err    error
}

// Options configures bindings.
type Options struct {
	Limits protocol.Limits
	// DispatchTimeout bounds the context of each transaction. Zero means
	// the binding's own lifetime.
	DispatchTimeout time.Duration
	// Lenient makes contract violations return ErrContractViolation
	// instead of panicking.
	Lenient   bool
	OnUnbound func(impl any, info UnbindInfo)
	Logger    *zerolog.Logger
}

// admitter lets a server refuse and count transactions.
type admitter interface {
	admit() (done func(), ok bool)
}

// Binding is the live association of a channel with an implementation.
// Incoming messages are dispatched one at a time on the binding's read
// goroutine.
type Binding struct {
	id     string
	ch     transport.Channel
	impl   any
	tables []*MethodTable
	wrap   middleware.Middleware
	opts   Options
	log    zerolog.Logger
	gate   admitter

	ctx    context.Context
	cancel context.CancelFunc
	alive  atomic.Bool

	once sync.Once
	info UnbindInfo
	done chan struct{}
}

// Bind starts serving ch with impl. Messages are dispatched through tables
// in order. The binding ends when ctx is done, the channel fails, or Close
// or Unbind is called.
func Bind(ctx context.Context, ch transport.Channel, impl any, tables []*MethodTable, opts Options, mws ...middleware.Middleware) *Binding {
	return bind(ctx, ch, impl, tables, opts, middleware.Chain(mws...), nil)
}

func bind(ctx context.Context, ch transport.Channel, impl any, tables []*MethodTable, opts Options, wrap middleware.Middleware, gate admitter) *Binding {
	if opts.Limits == (protocol.Limits{}) {
		opts.Limits = protocol.DefaultLimits()
	}
	b := &Binding{
		id:     uuid.NewString(),
		ch:     ch,
		impl:   impl,
		tables: tables,
		wrap:   wrap,
		opts:   opts,
		gate:   gate,
		done:   make(chan struct{}),
	}
	if opts.Logger != nil {
		b.log = opts.Logger.With().Str("binding", b.id).Logger()
	} else {
		b.log = observability.Logger("server").With().Str("binding", b.id).Logger()
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.alive.Store(true)

	go func() {
		select {
		case <-b.ctx.Done():
			b.unbind(UnbindInfo{Reason: ReasonUnbind, Origin: OriginUser, Err: context.Cause(b.ctx)})
		case <-b.done:
		}
	}()
	transport.Watch(ch, opts.Limits, b.onMessage, b.onReadError)
	b.log.Debug().Msg("bound")
	return b
}

func (b *Binding) ID() string               { return b.id }
func (b *Binding) Context() context.Context { return b.ctx }
func (b *Binding) Done() <-chan struct{}    { return b.done }

// Info returns why the binding ended. It is valid once Done is closed.
func (b *Binding) Info() UnbindInfo {
	<-b.done
	return b.info
}

func (b *Binding) onMessage(msg *message.Incoming) {
	if !b.alive.Load() {
		msg.CloseHandles()
		return
	}
	h, err := msg.Header()
	if err != nil {
		msg.CloseHandles()
		b.internalError(OriginReceive, errors.Join(ErrMalformedMessage, err))
		return
	}
	if h.IsEpitaph() {
		observability.RecordReceived(observability.SideServer, observability.KindEpitaph)
		status, err := protocol.DecodeEpitaph(msg.Bytes())
		msg.CloseHandles()
		if err != nil {
			b.internalError(OriginReceive, errors.Join(ErrMalformedMessage, err))
			return
		}
		b.unbind(UnbindInfo{Reason: ReasonPeerClosed, Origin: OriginReceive, Status: status, Err: &protocol.EpitaphError{Status: status}})
		return
	}
	kind := observability.KindRequest
	if h.Txid == 0 {
		kind = observability.KindEvent
	}
	observability.RecordReceived(observability.SideServer, kind)

	ctx := b.ctx
	var cancel context.CancelFunc = func() {}
	if b.opts.DispatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.opts.DispatchTimeout)
	}
	txn := newTransaction(ctx, b, h, !b.opts.Lenient)
	if b.gate != nil {
		done, ok := b.gate.admit()
		if !ok {
			cancel()
			msg.CloseHandles()
			b.Close(protocol.StatusUnavailable)
			return
		}
		txn.onEnd = func() {
			cancel()
			done()
		}
	} else {
		txn.onEnd = cancel
	}
	Dispatch(b.impl, msg, txn, b.tables...)
	if err := txn.finish(); err != nil {
		// Lenient bindings get here instead of panicking. The caller would
		// wait forever, so the channel is closed.
		b.log.Error().Err(err).Msg("handler returned without replying")
		b.Close(protocol.StatusInternal)
	}
}

func (b *Binding) onReadError(err error) {
	switch {
	case errors.Is(err, transport.ErrPeerClosed):
		b.unbind(UnbindInfo{Reason: ReasonPeerClosed, Origin: OriginReceive, Status: protocol.StatusPeerClosed, Err: err})
	default:
		b.unbind(UnbindInfo{Reason: ReasonTransportError, Origin: OriginReceive, Status: protocol.StatusIO, Err: err})
	}
}

// internalError tears the binding down. Receive-side errors are answered
// with an epitaph describing them.
func (b *Binding) internalError(origin Origin, err error) {
	info := UnbindInfo{Reason: ReasonDispatchError, Origin: origin, Status: statusOf(err), Err: err}
	if origin == OriginSend {
		info.Reason = ReasonTransportError
	}
	b.unbind(info)
}

func statusOf(err error) protocol.Status {
	var perr *protocol.ProtocolError
	var derr *codec.DecodeError
	var status protocol.Status
	switch {
	case errors.As(err, &perr):
		return perr.Status
	case errors.As(err, &derr), errors.Is(err, ErrMalformedMessage):
		return protocol.StatusInvalidArgs
	case errors.Is(err, transport.ErrPeerClosed):
		return protocol.StatusPeerClosed
	case errors.As(err, &status):
		return status
	}
	return protocol.StatusInternal
}

// Close sends an epitaph carrying status and unbinds.
func (b *Binding) Close(status protocol.Status) error {
	if !b.alive.Load() {
		return ErrBindingGone
	}
	b.unbind(UnbindInfo{Reason: ReasonClose, Origin: OriginUser, Status: status})
	return nil
}

// Unbind stops serving and closes the channel without an epitaph.
func (b *Binding) Unbind() {
	b.unbind(UnbindInfo{Reason: ReasonUnbind, Origin: OriginUser})
}

func (b *Binding) unbind(info UnbindInfo) {
	b.once.Do(func() {
		b.alive.Store(false)
		b.info = info
		b.cancel()
		if info.Reason == ReasonClose || (info.Reason == ReasonDispatchError && info.Origin == OriginReceive) {
			if err := b.ch.Write(protocol.EncodeEpitaph(info.Status), nil); err == nil {
				observability.RecordSent(observability.SideServer, observability.KindEpitaph)
			}
		}
		b.ch.Close()
		observability.RecordUnbind(info.Reason.String(), info.Origin.String())

		ev := b.log.Debug()
		if info.Reason == ReasonDispatchError || info.Reason == ReasonTransportError {
			ev = b.log.Warn()
		}
		ev.Stringer("reason", info.Reason).
			Stringer("origin", info.Origin).
			Stringer("status", info.Status).
			AnErr("error", info.Err).
			Msg("unbound")

		if b.opts.OnUnbound != nil {
			b.opts.OnUnbound(b.impl, info)
		}
		close(b.done)
	})
}

func (b *Binding) send(msg *message.Outgoing) error {
	err := b.ch.Write(msg.Bytes(), msg.Handles())
	msg.ReleaseHandles()
	if err != nil {
		return err
	}
	kind := observability.KindResponse
	if msg.Txid() == 0 {
		kind = observability.KindEvent
	}
	observability.RecordSent(observability.SideServer, kind)
	return nil
}

// SendEvent writes a server-initiated message (txid 0) with ordinal.
// A write failure tears the binding down.
func (b *Binding) SendEvent(ordinal uint64, t *codec.Type, v any) error {
	if !b.alive.Load() {
		return ErrBindingGone
	}
	msg, err := codec.EncodeMessage(protocol.NewHeader(0, ordinal), t, v)
	if err != nil {
		return err
	}
	if err := b.send(msg); err != nil {
		b.internalError(OriginSend, err)
		return err
	}
	return nil
}
