package loadbalance

import (
	"math/rand/v2"

	"chanrpc/registry"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to
// its weight. Non-positive weights count as 1.
//
// Best for: endpoints with different capacity, e.g. a server advertising a
// larger dispatch budget registers a higher weight.
type WeightedRandomBalancer struct{}

func weightOf(inst *registry.ServiceInstance) int {
	return max(inst.Weight, 1)
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	// 计算总权重
	total := 0
	for i := range instances {
		total += weightOf(&instances[i])
	}
	// 生成一个随机数，范围是0到总权重，落在哪个区间就选哪个实例
	r := rand.IntN(total)
	for i := range instances {
		r -= weightOf(&instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil // unreachable: r < total
}

func (b *WeightedRandomBalancer) Name() string { return "WeightedRandom" }
