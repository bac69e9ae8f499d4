package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chanrpc/codec"
	"chanrpc/message"
	"chanrpc/protocol"
	"chanrpc/transport"
)

const addOrdinal = 0x41

type addArgs struct {
	A, B int32
}

type addReply struct {
	Sum int32
}

var (
	addArgsType  = codec.Struct("AddArgs", codec.Int32, codec.Int32)
	addReplyType = codec.Struct("AddReply", codec.Int32)
)

// fakeServer answers add requests on its end of a pair. Requests with
// A < 0 are never answered; A == -2 makes the server close with an epitaph.
func fakeServer(t *testing.T, ch transport.Channel) {
	t.Helper()
	limits := protocol.DefaultLimits()
	go func() {
		for {
			msg, err := ch.Read(limits.MaxBytes, limits.MaxHandles)
			if err != nil {
				return
			}
			h, err := msg.Header()
			if err != nil {
				t.Error(err)
				return
			}
			var args addArgs
			if err := codec.DecodeMessage(msg, addArgsType, &args); err != nil {
				t.Error(err)
				return
			}
			switch {
			case args.A == -2:
				ch.Write(protocol.EncodeEpitaph(protocol.StatusAccessDenied), nil)
				ch.Close()
				return
			case args.A < 0:
				continue
			}
			out, err := codec.EncodeMessage(protocol.NewHeader(h.Txid, h.Ordinal), addReplyType, addReply{Sum: args.A + args.B})
			if err != nil {
				t.Error(err)
				return
			}
			if err := ch.Write(out.Bytes(), out.Handles()); err != nil {
				return
			}
		}
	}()
}

func newTestClient(t *testing.T) (*Client, *transport.PairEnd) {
	t.Helper()
	local, remote := transport.NewPair(transport.NewHandleTable())
	fakeServer(t, remote)
	c := NewClient(local, Options{HandleOps: local.Table()})
	t.Cleanup(func() { c.Close() })
	return c, remote
}

func TestClientCall(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := int32(0); i < 10; i++ {
		var reply addReply
		require.NoError(t, c.Call(ctx, addOrdinal, addArgsType, addArgs{A: i, B: 2 * i}, addReplyType, &reply))
		require.Equal(t, 3*i, reply.Sum)
	}
	require.Zero(t, c.Proxy().Pending())
}

func TestClientConcurrentCalls(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 32
	errs := make(chan error, n)
	for i := int32(0); i < n; i++ {
		go func(i int32) {
			var reply addReply
			err := c.Call(ctx, addOrdinal, addArgsType, addArgs{A: i, B: 1}, addReplyType, &reply)
			if err == nil && reply.Sum != i+1 {
				err = errors.New("wrong sum")
			}
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestClientCallContextCanceled(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var reply addReply
	err := c.Call(ctx, addOrdinal, addArgsType, addArgs{A: -1}, addReplyType, &reply)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, c.Proxy().Pending(), "abandoned txid stays reserved")
	require.NoError(t, c.Err(), "a canceled call does not end the client")
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	c, _ := newTestClient(t)
	errs := make(chan error, 1)
	go func() {
		var reply addReply
		errs <- c.Call(context.Background(), addOrdinal, addArgsType, addArgs{A: -1}, addReplyType, &reply)
	}()
	require.Eventually(t, func() bool { return c.Proxy().Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	err := <-errs
	require.ErrorIs(t, err, ErrChannelGone)
	require.ErrorIs(t, err, ErrClientClosed)
	<-c.Done()

	err = c.Call(context.Background(), addOrdinal, addArgsType, addArgs{}, addReplyType, &addReply{})
	require.ErrorIs(t, err, ErrChannelGone)
}

func TestClientEpitaph(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.Call(context.Background(), addOrdinal, addArgsType, addArgs{A: -2}, addReplyType, &addReply{})
	require.ErrorIs(t, err, ErrChannelGone)

	var epitaph *protocol.EpitaphError
	require.ErrorAs(t, c.Err(), &epitaph)
	require.Equal(t, protocol.StatusAccessDenied, epitaph.Status)
}

func TestClientOrdinalMismatch(t *testing.T) {
	local, remote := transport.NewPair(transport.NewHandleTable())
	c := NewClient(local, Options{})
	defer c.Close()
	go func() {
		limits := protocol.DefaultLimits()
		msg, err := remote.Read(limits.MaxBytes, limits.MaxHandles)
		if err != nil {
			return
		}
		h, _ := msg.Header()
		out, _ := codec.EncodeMessage(protocol.NewHeader(h.Txid, h.Ordinal+1), addReplyType, addReply{})
		remote.Write(out.Bytes(), nil)
	}()

	err := c.Call(context.Background(), addOrdinal, addArgsType, addArgs{}, addReplyType, &addReply{})
	require.ErrorIs(t, err, protocol.ErrTxidMismatch)
}

func TestClientNotify(t *testing.T) {
	local, remote := transport.NewPair(transport.NewHandleTable())
	c := NewClient(local, Options{})
	defer c.Close()

	require.NoError(t, c.Notify(addOrdinal, addArgsType, addArgs{A: 1, B: 2}))
	limits := protocol.DefaultLimits()
	msg, err := remote.Read(limits.MaxBytes, limits.MaxHandles)
	require.NoError(t, err)
	h, err := msg.Header()
	require.NoError(t, err)
	require.Zero(t, h.Txid)
	require.Equal(t, uint64(addOrdinal), h.Ordinal)
}

type countingEvents struct {
	got chan *message.Incoming
}

func (e *countingEvents) DispatchEvent(msg *message.Incoming) error {
	e.got <- msg
	return nil
}

func TestClientEvents(t *testing.T) {
	local, remote := transport.NewPair(transport.NewHandleTable())
	events := &countingEvents{got: make(chan *message.Incoming, 1)}
	c := NewClient(local, Options{Events: events})
	defer c.Close()

	out, err := codec.EncodeMessage(protocol.NewHeader(0, 7), codec.Empty, struct{}{})
	require.NoError(t, err)
	require.NoError(t, remote.Write(out.Bytes(), nil))

	select {
	case msg := <-events.got:
		h, err := msg.Header()
		require.NoError(t, err)
		require.Equal(t, uint64(7), h.Ordinal)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
