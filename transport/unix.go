//go:build linux

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"chanrpc/message"
	"chanrpc/protocol"
)

// Each SEQPACKET datagram carries a frame header with the handle metadata,
// the message bytes, and the descriptors as SCM_RIGHTS ancillary data.

// fdOps operates on received file descriptors. Descriptors carry no rights,
// so Replace keeps the descriptor and only the declared rights change.
type fdOps struct{}

func (fdOps) Close(h message.Handle) error { return unix.Close(int(h)) }

func (fdOps) Replace(h message.Handle, _ message.Rights) (message.Handle, error) { return h, nil }

// FileHandleOps closes handles that are file descriptors.
var FileHandleOps message.HandleOps = fdOps{}

// UnixChannel is a Channel over a unix SOCK_SEQPACKET socket.
type UnixChannel struct {
	conn   *net.UnixConn
	limits protocol.Limits
	wmu    sync.Mutex
	rmu    sync.Mutex
}

func newUnixChannel(conn *net.UnixConn) *UnixChannel {
	return &UnixChannel{conn: conn, limits: protocol.DefaultLimits()}
}

// NewSocketPair returns two connected unix channels.
func NewSocketPair() (*UnixChannel, *UnixChannel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a, err := fileConn(fds[0], "chanrpc-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "chanrpc-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return newUnixChannel(a), newUnixChannel(b), nil
}

func fileConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("socketpair: unexpected conn type %T", c)
	}
	return uc, nil
}

// DialUnix connects to a chanrpc unix socket at path.
func DialUnix(path string) (*UnixChannel, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, err
	}
	return newUnixChannel(conn), nil
}

// Write sends b and the descriptors in handles as one datagram. The sender's
// descriptors are closed afterwards; the receiver holds duplicates.
func (c *UnixChannel) Write(b []byte, handles []message.HandleDisposition) error {
	defer closeFds(handles)
	if err := checkLimits("write", len(b), len(handles), c.limits); err != nil {
		return err
	}
	f := &protocol.Frame{Handles: make([]protocol.HandleMeta, len(handles)), Bytes: b}
	fds := make([]int, len(handles))
	for i, d := range handles {
		f.Handles[i] = protocol.HandleMeta{Type: uint32(d.Type), Rights: uint32(d.Rights)}
		fds[i] = int(d.Handle)
	}
	buf := protocol.AppendFrameHeader(make([]byte, 0, protocol.FrameHeaderSize+protocol.FrameHandleSize*len(handles)+len(b)), f)
	buf = append(buf, b...)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, _, err := c.conn.WriteMsgUnix(buf, oob, nil); err != nil {
		return writeError(mapNetError(err))
	}
	return nil
}

func closeFds(handles []message.HandleDisposition) {
	for _, d := range handles {
		if d.Handle != message.HandleInvalid {
			unix.Close(int(d.Handle))
		}
	}
}

// Read receives one datagram. Unlike the in-process pair, an oversized
// datagram cannot stay queued: it is consumed and its descriptors closed.
func (c *UnixChannel) Read(maxBytes, maxHandles uint32) (*message.Incoming, error) {
	maxBytes = min(maxBytes, c.limits.MaxBytes)
	maxHandles = min(maxHandles, c.limits.MaxHandles)
	buf := make([]byte, protocol.FrameHeaderSize+protocol.FrameHandleSize*int(maxHandles)+int(maxBytes)+1)
	oob := make([]byte, unix.CmsgSpace(4*int(maxHandles)+4))

	c.rmu.Lock()
	n, oobn, flags, _, err := c.conn.ReadMsgUnix(buf, oob)
	c.rmu.Unlock()
	if err != nil {
		return nil, readError(mapNetError(err))
	}
	if n == 0 {
		return nil, readError(ErrPeerClosed)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, readError(err)
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 || n == len(buf) {
		closeInts(fds)
		return nil, readError(message.ErrBufferTooSmall)
	}

	byteLen, count, err := protocol.ParseFrameHeader(buf[:n], c.limits)
	if err != nil {
		closeInts(fds)
		return nil, readError(err)
	}
	metas, err := protocol.ParseHandleMeta(buf[protocol.FrameHeaderSize:n], count)
	if err != nil || int(count) != len(fds) {
		closeInts(fds)
		return nil, readError(fmt.Errorf("frame declares %d handles, received %d descriptors", count, len(fds)))
	}
	start := protocol.FrameHeaderSize + protocol.FrameHandleSize*int(count)
	if n-start != int(byteLen) {
		closeInts(fds)
		return nil, readError(io.ErrUnexpectedEOF)
	}
	if err := checkCapacity("read", int(byteLen), len(fds), maxBytes, maxHandles); err != nil {
		closeInts(fds)
		return nil, err
	}

	infos := make([]message.HandleInfo, len(fds))
	for i, fd := range fds {
		infos[i] = message.HandleInfo{Handle: message.Handle(fd), Type: message.ObjectType(metas[i].Type), Rights: message.Rights(metas[i].Rights)}
	}
	return incoming(buf[start:n], infos, FileHandleOps), nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeInts(fds)
			return nil, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeInts(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func (c *UnixChannel) Close() error { return c.conn.Close() }

func mapNetError(err error) error {
	switch {
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	case errors.Is(err, io.EOF), errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
		return ErrPeerClosed
	}
	return err
}

type unixListener struct {
	ln *net.UnixListener
}

// ListenUnix listens for chanrpc connections on a unix socket at path.
func ListenUnix(path string) (Listener, error) {
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, err
	}
	return &unixListener{ln: ln}, nil
}

func (l *unixListener) Accept() (Channel, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newUnixChannel(conn), nil
}

func (l *unixListener) Close() error   { return l.ln.Close() }
func (l *unixListener) Addr() net.Addr { return l.ln.Addr() }
