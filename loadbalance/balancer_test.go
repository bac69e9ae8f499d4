package loadbalance

import (
	"fmt"
	"testing"

	"chanrpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "/run/a.sock", Network: "unix", Weight: 10, Version: "1.0"},
	{Addr: "/run/b.sock", Network: "unix", Weight: 5, Version: "1.0"},
	{Addr: "/run/c.sock", Network: "unix", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
	}
	if results[0] != testInstances[0].Addr {
		t.Fatalf("first pick should be %s, got %s", testInstances[0].Addr, results[0])
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); err != ErrNoInstances {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so a and c should be ~2x of b
	ratio := float64(counts["/run/a.sock"]) / float64(counts["/run/b.sock"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio a/b = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	zero := []registry.ServiceInstance{{Addr: "x"}, {Addr: "y"}}
	for i := 0; i < 100; i++ {
		if _, err := b.Pick(zero); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, inst := range testInstances {
		b.Add(inst)
	}

	// Same key should always map to the same instance
	inst1, _ := b.PickKey("tenant-123")
	inst2, _ := b.PickKey("tenant-123")
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickKey(fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestKeyedBalancer(t *testing.T) {
	k := &KeyedBalancer{Key: "tenant-7", Ring: NewConsistentHashBalancer()}
	first, err := k.Pick(testInstances)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := k.Pick(testInstances)
	if first.Addr != again.Addr {
		t.Fatalf("keyed pick moved from %s to %s", first.Addr, again.Addr)
	}
	if _, err := k.Pick(nil); err != ErrNoInstances {
		t.Fatalf("expect ErrNoInstances for empty list, got %v", err)
	}
}

func TestNewByName(t *testing.T) {
	cases := map[string]string{
		"round_robin":     "RoundRobin",
		"WeightedRandom":  "WeightedRandom",
		"consistent_hash": "ConsistentHash",
		"unknown":         "RoundRobin",
	}
	for name, want := range cases {
		if got := New(name).Name(); got != want {
			t.Fatalf("New(%q): expect %s, got %s", name, want, got)
		}
	}
}
