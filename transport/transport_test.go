package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chanrpc/message"
	"chanrpc/protocol"
)

func TestPairWriteRead(t *testing.T) {
	table := NewHandleTable()
	a, b := NewPair(table)
	h := table.Create(message.ObjectVMO, message.RightRead|message.RightWrite)

	err := a.Write([]byte{1, 2, 3}, []message.HandleDisposition{{Handle: h, Type: message.ObjectVMO, Rights: message.RightRead}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := table.Lookup(h); ok {
		t.Fatalf("sender handle %d still live after write", h)
	}

	msg, err := b.Read(64, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("bytes = %v", msg.Bytes())
	}
	if len(msg.Handles()) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(msg.Handles()))
	}
	got := msg.Handles()[0]
	if got.Type != message.ObjectVMO || got.Rights != message.RightRead {
		t.Fatalf("received %+v, rights should be reduced in transit", got)
	}
	if table.Live() != 1 {
		t.Fatalf("live handles = %d, want 1", table.Live())
	}
	if err := msg.CloseHandles(); err != nil {
		t.Fatal(err)
	}
	if table.Live() != 0 {
		t.Fatalf("live handles = %d after close", table.Live())
	}
}

func TestPairWriteBadHandleClosesAll(t *testing.T) {
	table := NewHandleTable()
	a, b := NewPair(table)
	good := table.Create(message.ObjectEvent, message.RightsBasic)
	wrongType := table.Create(message.ObjectSocket, message.RightsBasic)

	err := a.Write([]byte{0}, []message.HandleDisposition{
		{Handle: good, Type: message.ObjectEvent, Rights: message.RightSameRights},
		{Handle: wrongType, Type: message.ObjectVMO, Rights: message.RightSameRights},
	})
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "write" || !errors.Is(err, message.ErrBadHandle) {
		t.Fatalf("expected write TransportError wrapping ErrBadHandle, got %v", err)
	}
	if table.Live() != 0 {
		t.Fatalf("live handles = %d, failed write must consume every handle", table.Live())
	}

	a.Close()
	if _, err := b.Read(64, 4); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("nothing should have been queued, got %v", err)
	}
}

func TestPairWriteDuplicateHandle(t *testing.T) {
	table := NewHandleTable()
	a, b := NewPair(table)
	h := table.Create(message.ObjectEvent, message.RightsBasic)

	err := a.Write(make([]byte, 16), []message.HandleDisposition{
		{Handle: h, Type: message.ObjectEvent, Rights: message.RightSameRights},
		{Handle: h, Type: message.ObjectEvent, Rights: message.RightSameRights},
	})
	if !errors.Is(err, message.ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle for a handle sent twice, got %v", err)
	}
	if table.Live() != 0 {
		t.Fatalf("live handles = %d, one object must not gain two owners", table.Live())
	}

	a.Close()
	if _, err := b.Read(64, 4); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("nothing should have been queued, got %v", err)
	}
}

func TestPairOversizedReadStaysQueued(t *testing.T) {
	a, b := NewPair(NewHandleTable())
	if err := a.Write(make([]byte, 32), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Read(16, 0); !errors.Is(err, message.ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
	msg, err := b.Read(32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Bytes()) != 32 {
		t.Fatalf("read %d bytes", len(msg.Bytes()))
	}
}

func TestPairClose(t *testing.T) {
	table := NewHandleTable()
	a, b := NewPair(table)
	h := table.Create(message.ObjectChannel, message.RightsBasic)
	if err := a.Write([]byte{1}, []message.HandleDisposition{{Handle: h, Rights: message.RightSameRights}}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if table.Live() != 0 {
		t.Fatalf("unread handles must be closed with the channel, %d live", table.Live())
	}
	if err := a.Write([]byte{1}, nil); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if _, err := b.Read(8, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPairReadBlocksUntilWrite(t *testing.T) {
	a, b := NewPair(NewHandleTable())
	done := make(chan *message.Incoming)
	go func() {
		msg, err := b.Read(8, 0)
		if err != nil {
			t.Error(err)
		}
		done <- msg
	}()
	time.Sleep(10 * time.Millisecond)
	if err := a.Write([]byte{7}, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-done:
		if msg.Bytes()[0] != 7 {
			t.Fatalf("got %v", msg.Bytes())
		}
	case <-time.After(time.Second):
		t.Fatal("read did not wake up")
	}
}

func TestHandleTableReplace(t *testing.T) {
	table := NewHandleTable()
	h := table.Create(message.ObjectVMO, message.RightRead|message.RightWrite)
	r, err := table.Replace(h, message.RightRead)
	if err != nil {
		t.Fatal(err)
	}
	if r == h {
		t.Fatal("replace must return a new handle value")
	}
	info, ok := table.Lookup(r)
	if !ok || info.Rights != message.RightRead {
		t.Fatalf("lookup = %+v, %v", info, ok)
	}
	if _, err := table.Replace(r, message.RightWrite); !errors.Is(err, message.ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle when adding rights, got %v", err)
	}
	if table.Live() != 0 {
		t.Fatalf("a failed replace still consumes the handle, %d live", table.Live())
	}
}

func TestStreamChannel(t *testing.T) {
	ln, err := Listen(NetworkTCP, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan Channel, 1)
	go func() {
		ch, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		accepted <- ch
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := Dial(ctx, NetworkTCP, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	go client.(*StreamChannel).Heartbeat(ctx, time.Millisecond)

	// Concurrent writers must not interleave frames.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := client.Write(bytes.Repeat([]byte{byte(i)}, 100), nil); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		msg, err := server.Read(protocol.DefaultMaxBytes, 0)
		if err != nil {
			t.Fatal(err)
		}
		b := msg.Bytes()
		if len(b) != 100 || !bytes.Equal(b, bytes.Repeat(b[:1], 100)) {
			t.Fatalf("corrupted frame: %v", b)
		}
	}

	err = client.Write([]byte{1}, []message.HandleDisposition{{Handle: 3}})
	if !errors.Is(err, ErrHandlesUnsupported) {
		t.Fatalf("expected ErrHandlesUnsupported, got %v", err)
	}

	cancel()
	client.Close()
	if _, err := server.Read(protocol.DefaultMaxBytes, 0); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

func TestWatcherDeliversInOrder(t *testing.T) {
	a, b := NewPair(NewHandleTable())
	var got []byte
	errc := make(chan error, 1)
	w := Watch(b, protocol.DefaultLimits(), func(msg *message.Incoming) {
		got = append(got, msg.Bytes()[0])
	}, func(err error) {
		errc <- err
	})

	for i := byte(1); i <= 5; i++ {
		if err := a.Write([]byte{i}, nil); err != nil {
			t.Fatal(err)
		}
	}
	a.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrPeerClosed) {
			t.Fatalf("expected ErrPeerClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not report peer close")
	}
	<-w.Done()
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("delivered %v", got)
	}
}

func TestWatcherCancel(t *testing.T) {
	a, b := NewPair(NewHandleTable())
	called := make(chan struct{}, 1)
	w := Watch(b, protocol.DefaultLimits(), func(*message.Incoming) {
		called <- struct{}{}
	}, func(error) {
		called <- struct{}{}
	})
	w.Cancel()
	a.Write([]byte{1}, nil)
	<-w.Done()
	select {
	case <-called:
		t.Fatal("callback after cancel")
	default:
	}
}
