package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"chanrpc/message"
	"chanrpc/protocol"
)

// StreamChannel carries framed messages over a byte stream such as TCP.
// Streams cannot transfer kernel objects, so handle-bearing writes fail.
//
// Several goroutines may write concurrently: the write mutex makes each frame
// a single Write, otherwise frames from different callers would interleave.
type StreamChannel struct {
	conn   net.Conn
	r      *bufio.Reader
	limits protocol.Limits
	wmu    sync.Mutex
	rmu    sync.Mutex
}

func NewStreamChannel(conn net.Conn) *StreamChannel {
	return &StreamChannel{conn: conn, r: bufio.NewReader(conn), limits: protocol.DefaultLimits()}
}

func (c *StreamChannel) Write(b []byte, handles []message.HandleDisposition) error {
	if len(handles) > 0 {
		return writeError(ErrHandlesUnsupported)
	}
	if err := checkLimits("write", len(b), 0, c.limits); err != nil {
		return err
	}
	return c.writeFrame(&protocol.Frame{Bytes: b})
}

func (c *StreamChannel) writeFrame(f *protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.EncodeFrame(c.conn, f, c.limits); err != nil {
		return writeError(mapStreamError(err))
	}
	return nil
}

// Read returns the next message. Empty frames are heartbeats and are skipped.
func (c *StreamChannel) Read(maxBytes, maxHandles uint32) (*message.Incoming, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		f, err := protocol.DecodeFrame(c.r, c.limits)
		if err != nil {
			return nil, readError(mapStreamError(err))
		}
		if len(f.Handles) > 0 {
			return nil, readError(ErrHandlesUnsupported)
		}
		if len(f.Bytes) == 0 {
			continue
		}
		if err := checkCapacity("read", len(f.Bytes), 0, maxBytes, maxHandles); err != nil {
			return nil, err
		}
		return incoming(f.Bytes, nil, nil), nil
	}
}

// Heartbeat writes an empty frame every interval until ctx is done or a write
// fails, so idle peers and middleboxes see traffic.
func (c *StreamChannel) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(&protocol.Frame{}); err != nil {
				return
			}
		}
	}
}

func (c *StreamChannel) Close() error { return c.conn.Close() }

func (c *StreamChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func mapStreamError(err error) error {
	switch {
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrPeerClosed
	}
	return err
}

type streamListener struct {
	ln net.Listener
}

func (l *streamListener) Accept() (Channel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamChannel(conn), nil
}

func (l *streamListener) Close() error   { return l.ln.Close() }
func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }
