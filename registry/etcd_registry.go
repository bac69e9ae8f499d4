package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix roots every chanrpc entry in etcd:
//
//	Key:   /chanrpc/{Service}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease kept alive while the server runs, so a
// crashed server's endpoints expire on their own.
const KeyPrefix = "/chanrpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, leases: make(map[string]clientv3.LeaseID)}, nil
}

func serviceKey(service, addr string) string { return KeyPrefix + service + "/" + addr }
func servicePrefix(service string) string    { return KeyPrefix + service + "/" }

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive in the background until Deregister or Close. The lease id is kept per
// key so several servers may share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := serviceKey(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// The keepalive outlives ctx; it stops when the lease is revoked.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister removes the endpoint and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := serviceKey(service, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return fmt.Errorf("registry: revoke lease: %w", err)
		}
	}
	return nil
}

// Watch emits the full instance list whenever an entry under the service
// prefix changes. The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			// Re-fetch rather than apply individual events.
			instances, err := r.Discover(ctx, service)
			if err != nil && err != ErrNotFound {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns every registered instance of service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", service, err)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, ErrNotFound
	}
	return instances, nil
}

func (r *EtcdRegistry) Close() error { return r.client.Close() }
