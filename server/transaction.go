package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"weak"

	"chanrpc/codec"
	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/protocol"
)

var (
	// ErrContractViolation reports a misused completer: a second Reply, a
	// Reply after Close, a second Close, or a required reply that never
	// happened. Bindings panic with it unless they are lenient.
	ErrContractViolation = errors.New("server: completer contract violation")
	// ErrBindingGone is returned when replying on a binding that has
	// already been torn down.
	ErrBindingGone = errors.New("server: binding gone")
)

// Transaction is the server-side state of one incoming message, from
// dispatch until it is replied to, closed or released.
//
//	Created ──Reply──► Replied ──Close──► Closed
//	   │                                    ▲
//	   └──────────────Close─────────────────┘
//
// Reply after Close, a second Reply and a second Close are contract
// violations. Releasing the completer of a two-way method in Created is one
// too.
type Transaction struct {
	ctx       context.Context
	cancel    context.CancelFunc
	binding   weak.Pointer[Binding]
	bindingID string
	header    protocol.Header
	strict    bool
	wrap      middleware.Middleware

	entry   *MethodEntry
	invoked bool
	sync    *Completer

	mu      sync.Mutex
	replied bool
	closed  bool
	failed  bool
	endOnce sync.Once
	onEnd   func()
}

func newTransaction(ctx context.Context, b *Binding, h protocol.Header, strict bool) *Transaction {
	ctx, cancel := context.WithCancel(ctx)
	t := &Transaction{ctx: ctx, cancel: cancel, header: h, strict: strict}
	if b != nil {
		t.binding = weak.Make(b)
		t.bindingID = b.id
		t.wrap = b.wrap
	}
	return t
}

func (t *Transaction) Context() context.Context { return t.ctx }
func (t *Transaction) Txid() uint32             { return t.header.Txid }
func (t *Transaction) Ordinal() uint64          { return t.header.Ordinal }
func (t *Transaction) BindingID() string        { return t.bindingID }

func (t *Transaction) Method() string {
	if t.entry == nil {
		return ""
	}
	return t.entry.Name
}

// Closed reports whether the transaction was closed.
func (t *Transaction) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Completer returns the synchronous completer of an invoked method.
func (t *Transaction) Completer() *Completer { return t.sync }

// live returns the binding if it still exists and is bound.
func (t *Transaction) live() *Binding {
	b := t.binding.Value()
	if b == nil || !b.alive.Load() {
		return nil
	}
	return b
}

func (t *Transaction) invoke(impl any, msg *message.Incoming, entry *MethodEntry) {
	t.entry = entry
	t.header, _ = msg.Header()
	if entry.TwoWay() == (t.header.Txid == 0) {
		msg.CloseHandles()
		t.InternalError(OriginReceive, protocol.TxidMismatch(t.header))
		return
	}
	t.sync = &Completer{txn: t}
	handler := func(middleware.Call) {
		t.invoked = true
		entry.Invoke(impl, msg, t)
	}
	if t.wrap != nil {
		handler = t.wrap(handler)
	}
	handler(t)
	if !t.invoked {
		msg.CloseHandles()
	}
}

// InternalError tears the binding down with an error of the given origin.
// Handlers never see these errors.
func (t *Transaction) InternalError(origin Origin, err error) {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
	if b := t.live(); b != nil {
		b.internalError(origin, err)
	}
	t.end()
}

// Close sends an epitaph with status and unbinds the connection. It is
// legal after Reply and substitutes for a required reply.
func (t *Transaction) Close(status protocol.Status) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return t.violation("Close called twice on %s", t.describe())
	}
	t.closed = true
	t.mu.Unlock()
	defer t.end()

	b := t.live()
	if b == nil {
		return ErrBindingGone
	}
	return b.Close(status)
}

func (t *Transaction) reply(v any) error {
	t.mu.Lock()
	switch {
	case t.entry == nil || !t.entry.TwoWay():
		t.mu.Unlock()
		return t.violation("Reply on one-way %s", t.describe())
	case t.closed:
		t.mu.Unlock()
		return t.violation("Reply after Close on %s", t.describe())
	case t.replied:
		t.mu.Unlock()
		return t.violation("Reply called twice on %s", t.describe())
	}
	t.replied = true
	t.mu.Unlock()

	b := t.live()
	if b == nil {
		t.end()
		return ErrBindingGone
	}
	msg, err := codec.EncodeMessage(protocol.NewHeader(t.header.Txid, t.header.Ordinal), t.entry.Response, v)
	if err != nil {
		// An unencodable value is not a reply; the handler may still Close.
		t.mu.Lock()
		t.replied = false
		t.mu.Unlock()
		return err
	}
	defer t.end()
	if err := b.send(msg); err != nil {
		b.internalError(OriginSend, err)
		return err
	}
	return nil
}

// finish runs when the handler returned. An async completer keeps the
// transaction open until it is released.
func (t *Transaction) finish() error {
	if t.sync == nil {
		t.end()
		return nil
	}
	return t.sync.Release()
}

func (t *Transaction) end() {
	t.endOnce.Do(func() {
		t.cancel()
		if t.onEnd != nil {
			t.onEnd()
		}
	})
}

func (t *Transaction) describe() string {
	return fmt.Sprintf("%s (txid=%d ordinal=%#x)", t.Method(), t.header.Txid, t.header.Ordinal)
}

func (t *Transaction) violation(format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{ErrContractViolation}, args...)...)
	if t.strict {
		panic(err)
	}
	return err
}

// Completer is the one-shot capability a handler replies through.
//
// The completer passed to a handler is released when the handler returns.
// A handler that replies later moves ownership out with Async and must call
// Release on the returned completer once done with it.
type Completer struct {
	txn      *Transaction
	async    bool
	moved    bool
	released bool
}

func (c *Completer) owned() error {
	t := c.txn
	t.mu.Lock()
	moved, released := c.moved, c.released
	t.mu.Unlock()
	switch {
	case moved:
		return t.violation("completer used after Async on %s", t.describe())
	case released:
		return t.violation("completer used after Release on %s", t.describe())
	}
	return nil
}

// Reply encodes v as the response and writes it. It fails with
// ErrBindingGone when the connection is already torn down.
func (c *Completer) Reply(v any) error {
	if err := c.owned(); err != nil {
		return err
	}
	return c.txn.reply(v)
}

// Close sends an epitaph and unbinds the connection.
func (c *Completer) Close(status protocol.Status) error {
	if err := c.owned(); err != nil {
		return err
	}
	return c.txn.Close(status)
}

// Async moves ownership of the transaction to a new completer that outlives
// the handler.
func (c *Completer) Async() *Completer {
	if err := c.owned(); err != nil {
		return &Completer{txn: c.txn, released: true}
	}
	t := c.txn
	t.mu.Lock()
	c.moved = true
	t.mu.Unlock()
	return &Completer{txn: t, async: true}
}

// IsAsync reports whether c was created by Async.
func (c *Completer) IsAsync() bool { return c.async }

// Release gives the completer up. Releasing the completer of a two-way
// method that was neither replied to nor closed is a contract violation.
// Releasing a completer whose ownership moved is a no-op.
func (c *Completer) Release() error {
	t := c.txn
	t.mu.Lock()
	if c.moved || c.released {
		t.mu.Unlock()
		return nil
	}
	c.released = true
	missing := t.entry != nil && t.entry.TwoWay() && !t.replied && !t.closed && !t.failed
	t.mu.Unlock()
	t.end()
	if missing {
		return t.violation("completer of %s released without Reply or Close", t.describe())
	}
	return nil
}
