package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"chanrpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring with virtual
// nodes, so a key keeps its endpoint while the set of endpoints is stable.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                            // sorted virtual node hashes
	nodes map[uint32]registry.ServiceInstance // hash → endpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an endpoint on the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		if _, dup := b.nodes[hash]; !dup {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Reset replaces the ring contents with instances.
func (b *ConsistentHashBalancer) Reset(instances []registry.ServiceInstance) {
	b.mu.Lock()
	b.ring = b.ring[:0]
	clear(b.nodes)
	b.mu.Unlock()
	for _, inst := range instances {
		b.Add(inst)
	}
}

// PickKey returns the endpoint owning key: the first virtual node at or
// after the key's hash, wrapping to the start of the ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string { return "ConsistentHash" }

// KeyedBalancer adapts the ring to Balancer for a fixed key, rebuilding the
// ring when the instance list changes.
type KeyedBalancer struct {
	Key  string
	Ring *ConsistentHashBalancer

	mu   sync.Mutex
	seen []registry.ServiceInstance
}

func (k *KeyedBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	k.mu.Lock()
	if !sameInstances(k.seen, instances) {
		k.Ring.Reset(instances)
		k.seen = append(k.seen[:0], instances...)
	}
	k.mu.Unlock()
	return k.Ring.PickKey(k.Key)
}

func (k *KeyedBalancer) Name() string { return k.Ring.Name() }

func sameInstances(a, b []registry.ServiceInstance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
