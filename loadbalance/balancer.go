// Package loadbalance picks which registered endpoint a client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity endpoints
//   - WeightedRandom:  endpoints with different capacity
//   - ConsistentHash:  a key (e.g. a tenant) always lands on the same endpoint
package loadbalance

import (
	"errors"

	"chanrpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one endpoint per dial. Implementations are goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name for logs and config.
	Name() string
}

// New returns the balancer registered under name; unknown names fall back
// to round robin.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom", "weighted_random":
		return &WeightedRandomBalancer{}
	case "ConsistentHash", "consistent_hash":
		return &KeyedBalancer{Ring: NewConsistentHashBalancer()}
	default:
		return &RoundRobinBalancer{}
	}
}
