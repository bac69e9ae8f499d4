// Package server implements the serving side of chanrpc: method tables,
// dispatch, exactly-once completers, connection bindings and a Server that
// accepts connections and advertises itself in a registry.
//
// Request processing pipeline:
//
//	Accept ch → Bind (one read goroutine per channel)
//	  → for each message: Dispatch → Middleware Chain → MethodEntry.Invoke
//	    → codec.DecodeMessage → handler(impl, ctx, req, completer)
//	      → Completer.Reply → codec.EncodeMessage → ch.Write
//
// Messages of one binding are dispatched in arrival order, one at a time. A
// handler that needs to reply later calls Completer.Async.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chanrpc/middleware"
	"chanrpc/observability"
	"chanrpc/protocol"
	"chanrpc/registry"
	"chanrpc/transport"
)

var (
	ErrNoService         = errors.New("server: no service registered")
	ErrServiceRegistered = errors.New("server: service already registered")
	ErrServerClosed      = errors.New("server: closed")
)

// Server serves one interface implementation on any number of listeners.
type Server struct {
	opts        Options
	log         zerolog.Logger
	middlewares []middleware.Middleware // applied in the order added

	service string
	impl    any
	tables  []*MethodTable

	mu        sync.Mutex
	listeners []transport.Listener
	bindings  map[string]*Binding
	draining  bool
	wg        sync.WaitGroup // in-flight transactions
	shutdown  atomic.Bool

	registry   registry.Registry
	advertised []registry.ServiceInstance
}

// NewServer creates a server with no service.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:     opts,
		bindings: make(map[string]*Binding),
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = observability.Logger("server")
	}
	return s
}

// Register sets the implementation served on every accepted channel and the
// method tables its messages are dispatched through.
func (s *Server) Register(service string, impl any, tables ...*MethodTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.impl != nil {
		return fmt.Errorf("%w: %s", ErrServiceRegistered, s.service)
	}
	if impl == nil || len(tables) == 0 {
		return fmt.Errorf("server: %s needs an implementation and at least one method table", service)
	}
	s.service, s.impl, s.tables = service, impl, tables
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and only affect channels bound afterwards.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Serve accepts channels on every listener until ctx is done or Shutdown is
// called. It returns nil after an orderly stop.
func (s *Server) Serve(ctx context.Context, listeners ...transport.Listener) error {
	s.mu.Lock()
	if s.impl == nil {
		s.mu.Unlock()
		return ErrNoService
	}
	if s.shutdown.Load() {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, listeners...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-gctx.Done():
			s.closeListeners(listeners)
		case <-stop:
		}
	}()
	for _, ln := range listeners {
		g.Go(func() error { return s.acceptLoop(gctx, ln) })
	}
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) error {
	s.log.Info().Stringer("addr", ln.Addr()).Str("service", s.service).Msg("serving")
	for {
		ch, err := ln.Accept()
		if err != nil {
			// Shutdown and cancellation close the listener; Accept then fails.
			if s.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := s.ServeChannel(ctx, ch); err != nil {
			ch.Close()
		}
	}
}

// ServeChannel binds one already-connected channel.
func (s *Server) ServeChannel(ctx context.Context, ch transport.Channel) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.impl == nil {
		return nil, ErrNoService
	}
	if s.draining {
		return nil, ErrServerClosed
	}
	opts := s.opts
	user := opts.OnUnbound
	var b *Binding
	opts.OnUnbound = func(impl any, info UnbindInfo) {
		s.mu.Lock()
		delete(s.bindings, b.ID())
		s.mu.Unlock()
		if user != nil {
			user(impl, info)
		}
	}
	// Bindings outlive the Serve call that accepted them; Shutdown ends them.
	b = bind(context.WithoutCancel(ctx), ch, s.impl, s.tables, opts, middleware.Chain(s.middlewares...), s)
	s.bindings[b.ID()] = b
	return b, nil
}

// admit counts a transaction unless the server is draining.
func (s *Server) admit() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return nil, false
	}
	s.wg.Add(1)
	return s.wg.Done, true
}

// Bindings returns the number of live bindings.
func (s *Server) Bindings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// Advertise registers inst under the server's service name. Shutdown
// deregisters it.
func (s *Server) Advertise(ctx context.Context, reg registry.Registry, inst registry.ServiceInstance, ttl int64) error {
	s.mu.Lock()
	service := s.service
	s.mu.Unlock()
	if service == "" {
		return ErrNoService
	}
	if err := reg.Register(ctx, service, inst, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	s.registry = reg
	s.advertised = append(s.advertised, inst)
	s.mu.Unlock()
	return nil
}

func (s *Server) closeListeners(listeners []transport.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop dialing this server)
//  2. Set the shutdown flag and close listeners (stop accepting)
//  3. Refuse new transactions and wait for in-flight ones (with timeout)
//  4. Close every remaining binding with a StatusUnavailable epitaph
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	reg, advertised, service := s.registry, s.advertised, s.service
	s.advertised = nil
	s.mu.Unlock()

	// Step 1: deregister FIRST so clients stop picking this endpoint
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, inst := range advertised {
			if err := reg.Deregister(ctx, service, inst.Addr); err != nil {
				s.log.Warn().Err(err).Str("addr", inst.Addr).Msg("deregister failed")
			}
		}
		cancel()
	}

	// Step 2: set the flag BEFORE closing listeners so Accept errors read as
	// an orderly stop
	s.shutdown.Store(true)
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.draining = true
	s.mu.Unlock()
	s.closeListeners(listeners)

	// Step 3: wait for in-flight transactions
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for in-flight transactions")
	}

	// Step 4: close what is left
	s.mu.Lock()
	bindings := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()
	for _, b := range bindings {
		b.Close(protocol.StatusUnavailable)
	}
	return err
}
