package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Networks understood by Dial and Listen.
const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

// Dial connects to addr. network is NetworkUnix (addr is a socket path) or
// NetworkTCP.
func Dial(ctx context.Context, network, addr string) (Channel, error) {
	switch network {
	case NetworkUnix, "unixpacket":
		return DialUnix(addr)
	case NetworkTCP, "tcp4", "tcp6":
		d := net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return NewStreamChannel(conn), nil
	}
	return nil, fmt.Errorf("transport: unknown network %q", network)
}

// Listen opens a listener of the given network.
func Listen(network, addr string) (Listener, error) {
	switch network {
	case NetworkUnix, "unixpacket":
		return ListenUnix(addr)
	case NetworkTCP, "tcp4", "tcp6":
		ln, err := net.Listen(network, addr)
		if err != nil {
			return nil, err
		}
		return &streamListener{ln: ln}, nil
	}
	return nil, fmt.Errorf("transport: unknown network %q", network)
}
