package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chanrpc/codec"
	"chanrpc/loadbalance"
	"chanrpc/observability"
	"chanrpc/registry"
	"chanrpc/transport"
)

// Dialer finds endpoints of a named interface through a registry, picks one
// with a balancer and keeps one live Client per endpoint.
type Dialer struct {
	registry  registry.Registry
	balancer  loadbalance.Balancer
	opts      Options
	heartbeat time.Duration
	retry     RetryPolicy
	log       zerolog.Logger
	dial      func(ctx context.Context, network, addr string) (transport.Channel, error)

	mu      sync.Mutex
	clients map[string]*Client // network://addr → client
}

// NewDialer returns a dialer. heartbeat > 0 enables keepalive frames on TCP
// endpoints.
func NewDialer(reg registry.Registry, bal loadbalance.Balancer, opts Options, heartbeat time.Duration) *Dialer {
	d := &Dialer{
		registry:  reg,
		balancer:  bal,
		opts:      opts,
		heartbeat: heartbeat,
		clients:   make(map[string]*Client),
		dial:      transport.Dial,
	}
	if opts.Logger != nil {
		d.log = *opts.Logger
	} else {
		d.log = observability.Logger("dialer")
	}
	return d
}

// SetRetry installs the retry policy used by Call. The zero policy never
// retries.
func (d *Dialer) SetRetry(p RetryPolicy) { d.retry = p }

// Client returns a live client for one endpoint of service.
func (d *Dialer) Client(ctx context.Context, service string) (*Client, error) {
	instances, err := d.registry.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	inst, err := d.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	key := inst.Network + "://" + inst.Addr

	if c := d.cached(key); c != nil {
		return c, nil
	}
	// Dial without the lock so one slow endpoint does not stall lookups of
	// the others.
	ch, err := d.dial(ctx, inst.Network, inst.Addr)
	if err != nil {
		return nil, err
	}
	opts := d.opts
	if opts.HandleOps == nil && inst.Network == transport.NetworkUnix {
		opts.HandleOps = transport.FileHandleOps
	}

	d.mu.Lock()
	if c, ok := d.clients[key]; ok && c.Err() == nil {
		// Another caller connected first.
		d.mu.Unlock()
		ch.Close()
		return c, nil
	}
	c := NewClient(ch, opts)
	d.clients[key] = c
	d.mu.Unlock()

	if sc, ok := ch.(*transport.StreamChannel); ok && d.heartbeat > 0 {
		hctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-c.Done()
			cancel()
		}()
		go sc.Heartbeat(hctx, d.heartbeat)
	}
	return c, nil
}

func (d *Dialer) cached(key string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok && c.Err() == nil {
		return c
	}
	return nil
}

// Call dials (or reuses) an endpoint of service and performs one call,
// retrying per the dialer's retry policy.
func (d *Dialer) Call(ctx context.Context, service string, ordinal uint64, reqT *codec.Type, req any, respT *codec.Type, resp any) error {
	return d.retry.do(ctx, func() error {
		c, err := d.Client(ctx, service)
		if err != nil {
			return err
		}
		return c.Call(ctx, ordinal, reqT, req, respT, resp)
	}, func(attempt int, err error) {
		d.log.Warn().Err(err).Int("attempt", attempt).Str("service", service).Uint64("ordinal", ordinal).Msg("retrying call")
	})
}

// Close closes every client the dialer opened.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for key, c := range d.clients {
		errs = append(errs, c.Close())
		delete(d.clients, key)
	}
	return errors.Join(errs...)
}
