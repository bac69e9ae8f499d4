package loadbalance

import (
	"sync/atomic"

	"chanrpc/registry"
)

// RoundRobinBalancer cycles through endpoints in registry order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: equal-capacity endpoints, where spreading new channels evenly
// also spreads the calls multiplexed over them.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick
}

// Pick selects the next endpoint. The first Pick returns instances[0].
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string { return "RoundRobin" }
