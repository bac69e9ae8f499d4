// Package client implements the calling side of a chanrpc channel.
//
// A Client owns one channel. Calls from many goroutines share it: each call
// gets its own transaction id and waits on its own result channel, while a
// single watcher goroutine reads responses and routes them by txid.
//
//	goroutine-1 ──Call(txid=1)──┐
//	goroutine-2 ──Call(txid=2)──┼──► channel ──► server
//	goroutine-3 ──Call(txid=3)──┘
//
//	watcher: ◄── response(txid=2) ──► pending[2] ──► goroutine-2 wakes up
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chanrpc/codec"
	"chanrpc/message"
	"chanrpc/observability"
	"chanrpc/protocol"
	"chanrpc/transport"
)

// ErrClientClosed is the terminal error after Close.
var ErrClientClosed = errors.New("client: closed")

// Options configures a Client. The zero value is usable.
type Options struct {
	// Events receives server-initiated events. Nil makes events a protocol
	// error that tears the channel down.
	Events EventDispatcher
	// HandleOps closes outgoing handles when a message cannot be sent.
	HandleOps message.HandleOps
	Limits    protocol.Limits
	Logger    *zerolog.Logger
}

// Client issues calls over one channel.
type Client struct {
	id    string
	ch    transport.Channel
	proxy *ProxyController
	ops   message.HandleOps
	log   zerolog.Logger

	once sync.Once
	done chan struct{}
	err  error
}

// NewClient starts reading ch and returns a client for it.
func NewClient(ch transport.Channel, opts Options) *Client {
	if opts.Limits == (protocol.Limits{}) {
		opts.Limits = protocol.DefaultLimits()
	}
	c := &Client{
		id:   uuid.NewString(),
		ch:   ch,
		ops:  opts.HandleOps,
		done: make(chan struct{}),
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("client", c.id).Logger()
	} else {
		c.log = observability.Logger("client").With().Str("client", c.id).Logger()
	}
	c.proxy = NewProxyController(ch, opts.Events)
	transport.Watch(ch, opts.Limits, c.onReadable, c.onReadError)
	return c
}

func (c *Client) onReadable(msg *message.Incoming) {
	if err := c.proxy.OnMessage(msg); err != nil {
		c.teardown(err)
	}
}

func (c *Client) onReadError(err error) {
	c.teardown(err)
}

// teardown records the first terminal error, closes the channel and
// notifies every pending call. The watcher exits on its next read.
func (c *Client) teardown(err error) {
	c.once.Do(func() {
		c.err = err
		c.ch.Close()
		c.proxy.OnChannelGone(err)
		close(c.done)

		var epitaph *protocol.EpitaphError
		switch {
		case errors.Is(err, ErrClientClosed):
			c.log.Debug().Msg("client closed")
		case errors.As(err, &epitaph):
			c.log.Info().Stringer("status", epitaph.Status).Msg("server closed channel with epitaph")
		default:
			c.log.Warn().Err(err).Msg("channel torn down")
		}
	})
}

func (c *Client) ID() string { return c.id }

// Proxy exposes the underlying controller.
func (c *Client) Proxy() *ProxyController { return c.proxy }

// Done is closed once the client is unusable.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the client, or nil while it is live.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears the channel down. Pending calls fail with ErrChannelGone.
func (c *Client) Close() error {
	c.teardown(ErrClientClosed)
	return nil
}

type result struct {
	msg *message.Incoming
	err error
}

// Call sends req as method ordinal and decodes the response into resp,
// which must be a pointer matching respT. It returns when the response
// arrives, ctx is done, or the channel is lost.
func (c *Client) Call(ctx context.Context, ordinal uint64, reqT *codec.Type, req any, respT *codec.Type, resp any) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelGone, err)
	}
	msg, err := codec.EncodeMessage(protocol.NewHeader(0, ordinal), reqT, req)
	if err != nil {
		return err
	}
	msg.SetHandleOps(c.ops)

	done := make(chan result, 1)
	if err := c.proxy.Send(reqT, msg, func(m *message.Incoming, err error) {
		done <- result{msg: m, err: err}
	}); err != nil {
		return err
	}
	txid := msg.Txid()
	c.log.Debug().Uint32("txid", txid).Uint64("ordinal", ordinal).Msg("call sent")

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		return decodeResponse(r.msg, ordinal, respT, resp)
	case <-ctx.Done():
		c.proxy.Abandon(txid)
		// The response may have raced the cancellation.
		select {
		case r := <-done:
			if r.msg != nil {
				r.msg.CloseHandles()
			}
		default:
		}
		return ctx.Err()
	}
}

func decodeResponse(msg *message.Incoming, ordinal uint64, respT *codec.Type, resp any) error {
	h, err := msg.Header()
	if err != nil {
		msg.CloseHandles()
		return err
	}
	if h.Ordinal != ordinal {
		msg.CloseHandles()
		return protocol.TxidMismatch(h)
	}
	return codec.DecodeMessage(msg, respT, resp)
}

// Notify sends a one-way message. No response is expected.
func (c *Client) Notify(ordinal uint64, reqT *codec.Type, req any) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelGone, err)
	}
	msg, err := codec.EncodeMessage(protocol.NewHeader(0, ordinal), reqT, req)
	if err != nil {
		return err
	}
	msg.SetHandleOps(c.ops)
	return c.proxy.Send(reqT, msg, nil)
}
