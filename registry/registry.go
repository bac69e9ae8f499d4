// Package registry advertises the endpoints that serve a chanrpc interface
// and lets clients find them by interface name.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Discover when no endpoint serves the interface.
var ErrNotFound = errors.New("registry: no instances")

// ServiceInstance is one endpoint serving an interface. Network is a
// transport network ("unix" or "tcp") and Addr a socket path or host:port.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Network string `json:"network"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}
