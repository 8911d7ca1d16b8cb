package loadbalance

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"

	"pico-rpc/discovery"
)

var testEndpoints = []discovery.Endpoint{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	for i := 0; i < 6; i++ {
		ep, err := b.Pick(testEndpoints)
		if err != nil {
			t.Fatal(err)
		}
		if want := testEndpoints[i%3].Addr; ep.Addr != want {
			t.Fatalf("pick %d: expect %s, got %s", i, want, ep.Addr)
		}
	}
}

func TestEmpty(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer().Keyed("k")} {
		if _, err := b.Pick(nil); !errors.Is(err, discovery.ErrNoEndpoints) {
			t.Fatalf("%s: expect ErrNoEndpoints, got %v", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		ep, err := b.Pick(testEndpoints)
		if err != nil {
			t.Fatal(err)
		}
		counts[ep.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	if _, err := b.Pick([]discovery.Endpoint{{Addr: ":1"}, {Addr: ":2"}}); err != nil {
		t.Fatal(err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, ep := range testEndpoints {
		b.Add(ep)
	}

	ep1, _ := b.PickKey("device-123")
	ep2, _ := b.PickKey("device-123")
	if ep1.Addr != ep2.Addr {
		t.Fatalf("same key mapped to different endpoints: %s vs %s", ep1.Addr, ep2.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, _ := b.PickKey(fmt.Sprintf("key-%d", i))
		seen[ep.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different endpoints, got %d", len(seen))
	}

	b.Remove(ep1.Addr)
	ep3, err := b.PickKey("device-123")
	if err != nil {
		t.Fatal(err)
	}
	if ep3.Addr == ep1.Addr {
		t.Fatal("removed endpoint still picked")
	}
}

func TestKeyed(t *testing.T) {
	b := NewConsistentHashBalancer().Keyed("device-1")
	first, err := b.Pick(testEndpoints)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := b.Pick(testEndpoints)
	if first.Addr != again.Addr {
		t.Fatalf("keyed balancer moved from %s to %s", first.Addr, again.Addr)
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{
		"roundrobin":     (&RoundRobinBalancer{}).Name(),
		"random":         (&WeightedRandomBalancer{}).Name(),
		"consistenthash": NewConsistentHashBalancer().Name(),
		"bogus":          (&RoundRobinBalancer{}).Name(),
	} {
		if got := ByName(name, "device-1").Name(); got != want {
			t.Fatalf("%s: expect %s, got %s", name, want, got)
		}
	}

	// The same key keeps landing on the same peer.
	b := ByName("consistenthash", "device-1")
	first, err := b.Pick(testEndpoints)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		ep, err := b.Pick(testEndpoints)
		if err != nil {
			t.Fatal(err)
		}
		if ep.Addr != first.Addr {
			t.Fatalf("pick %d: expect %s, got %s", i, first.Addr, ep.Addr)
		}
	}
}
