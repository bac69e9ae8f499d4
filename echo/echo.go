// Package echo is a small example interface served over chanrpc. It is what
// cmd/chanrpc-echo serves and calls, and what the server integration tests
// run against.
package echo

import (
	"context"
	"sync"
	"time"

	"chanrpc/client"
	"chanrpc/codec"
	"chanrpc/protocol"
	"chanrpc/server"
)

// ServiceName is the registry name of the interface.
const ServiceName = "chanrpc.echo.Echo"

// Method ordinals.
const (
	OrdinalEcho     uint64 = 0x6563686f00000001
	OrdinalAdd      uint64 = 0x6563686f00000002
	OrdinalNotify   uint64 = 0x6563686f00000003
	OrdinalSlowEcho uint64 = 0x6563686f00000004
	OrdinalFail     uint64 = 0x6563686f00000005
)

const MaxValueLen = 1024

type EchoRequest struct {
	Value string
}

type EchoResponse struct {
	Value string
}

type AddRequest struct {
	A, B int64
}

type AddResponse struct {
	Sum int64
}

type NotifyRequest struct {
	Message string
}

type FailRequest struct {
	Status int32
}

var (
	EchoRequestType   = codec.Struct("EchoRequest", codec.String(MaxValueLen))
	EchoResponseType  = codec.Struct("EchoResponse", codec.String(MaxValueLen))
	AddRequestType    = codec.Struct("AddRequest", codec.Int64, codec.Int64)
	AddResponseType   = codec.Struct("AddResponse", codec.Int64)
	NotifyRequestType = codec.Struct("NotifyRequest", codec.String(MaxValueLen))
	FailRequestType   = codec.Struct("FailRequest", codec.Int32)
)

// Echo is implemented by servers of the interface.
type Echo interface {
	Echo(ctx context.Context, req *EchoRequest, c *server.Completer)
	Add(ctx context.Context, req *AddRequest, c *server.Completer)
	Notify(ctx context.Context, req *NotifyRequest, c *server.Completer)
	// SlowEcho replies from another goroutine.
	SlowEcho(ctx context.Context, req *EchoRequest, c *server.Completer)
	// Fail closes the channel with the requested status instead of replying.
	Fail(ctx context.Context, req *FailRequest, c *server.Completer)
}

var Table = server.MustMethodTable("Echo",
	server.Method(OrdinalEcho, "Echo", EchoRequestType, EchoResponseType,
		func(impl Echo, ctx context.Context, req *EchoRequest, c *server.Completer) { impl.Echo(ctx, req, c) }),
	server.Method(OrdinalAdd, "Add", AddRequestType, AddResponseType,
		func(impl Echo, ctx context.Context, req *AddRequest, c *server.Completer) { impl.Add(ctx, req, c) }),
	server.Method(OrdinalNotify, "Notify", NotifyRequestType, nil,
		func(impl Echo, ctx context.Context, req *NotifyRequest, c *server.Completer) { impl.Notify(ctx, req, c) }),
	server.Method(OrdinalSlowEcho, "SlowEcho", EchoRequestType, EchoResponseType,
		func(impl Echo, ctx context.Context, req *EchoRequest, c *server.Completer) { impl.SlowEcho(ctx, req, c) }),
	server.Method(OrdinalFail, "Fail", FailRequestType, EchoResponseType,
		func(impl Echo, ctx context.Context, req *FailRequest, c *server.Completer) { impl.Fail(ctx, req, c) }),
)

// Impl is the reference implementation.
type Impl struct {
	// Delay is how long SlowEcho waits before replying.
	Delay time.Duration

	mu      sync.Mutex
	notices []string
}

func (e *Impl) Echo(_ context.Context, req *EchoRequest, c *server.Completer) {
	c.Reply(&EchoResponse{Value: req.Value})
}

func (e *Impl) Add(_ context.Context, req *AddRequest, c *server.Completer) {
	c.Reply(&AddResponse{Sum: req.A + req.B})
}

func (e *Impl) Notify(_ context.Context, req *NotifyRequest, _ *server.Completer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notices = append(e.notices, req.Message)
}

func (e *Impl) SlowEcho(_ context.Context, req *EchoRequest, c *server.Completer) {
	async := c.Async()
	go func() {
		defer async.Release()
		time.Sleep(e.Delay)
		async.Reply(&EchoResponse{Value: req.Value})
	}()
}

func (e *Impl) Fail(_ context.Context, req *FailRequest, c *server.Completer) {
	c.Close(protocol.Status(req.Status))
}

// Notices returns the messages received through Notify.
func (e *Impl) Notices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.notices...)
}

// Caller is anything that performs calls: a *client.Client or a bound
// *client.Dialer.
type Caller interface {
	Call(ctx context.Context, ordinal uint64, reqT *codec.Type, req any, respT *codec.Type, resp any) error
}

// Proxy is the typed calling side of the interface.
type Proxy struct {
	c Caller
}

func NewProxy(c Caller) *Proxy { return &Proxy{c: c} }

func (p *Proxy) Echo(ctx context.Context, value string) (string, error) {
	var resp EchoResponse
	if err := p.c.Call(ctx, OrdinalEcho, EchoRequestType, &EchoRequest{Value: value}, EchoResponseType, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (p *Proxy) Add(ctx context.Context, a, b int64) (int64, error) {
	var resp AddResponse
	if err := p.c.Call(ctx, OrdinalAdd, AddRequestType, &AddRequest{A: a, B: b}, AddResponseType, &resp); err != nil {
		return 0, err
	}
	return resp.Sum, nil
}

func (p *Proxy) SlowEcho(ctx context.Context, value string) (string, error) {
	var resp EchoResponse
	if err := p.c.Call(ctx, OrdinalSlowEcho, EchoRequestType, &EchoRequest{Value: value}, EchoResponseType, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Fail asks the server to close the channel with status.
func (p *Proxy) Fail(ctx context.Context, status protocol.Status) error {
	return p.c.Call(ctx, OrdinalFail, FailRequestType, &FailRequest{Status: int32(status)}, EchoResponseType, &EchoResponse{})
}

// Notify sends a one-way message. It needs a client, not a dialer.
func Notify(c *client.Client, message string) error {
	return c.Notify(OrdinalNotify, NotifyRequestType, &NotifyRequest{Message: message})
}

// ServiceDialer binds a dialer to a service name, ServiceName when Service
// is empty.
type ServiceDialer struct {
	D       *client.Dialer
	Service string
}

func (s ServiceDialer) Call(ctx context.Context, ordinal uint64, reqT *codec.Type, req any, respT *codec.Type, resp any) error {
	service := s.Service
	if service == "" {
		service = ServiceName
	}
	return s.D.Call(ctx, service, ordinal, reqT, req, respT, resp)
}
