package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"pico-rpc/discovery"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring. A key keeps
// its endpoint until the ring changes.
//
// Each endpoint owns replicas virtual nodes hashed from "{addr}#{i}", which
// evens out the distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	nodes    map[uint32]discovery.Endpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]discovery.Endpoint),
	}
}

func (b *ConsistentHashBalancer) Add(ep discovery.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = ep
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.ring[:0]
	for _, hash := range b.ring {
		if b.nodes[hash].Addr == addr {
			delete(b.nodes, hash)
			continue
		}
		ring = append(ring, hash)
	}
	b.ring = ring
}

// Set replaces the ring with eps.
func (b *ConsistentHashBalancer) Set(eps []discovery.Endpoint) {
	b.mu.Lock()
	b.ring = nil
	b.nodes = make(map[uint32]discovery.Endpoint)
	b.mu.Unlock()
	for _, ep := range eps {
		b.Add(ep)
	}
}

// PickKey returns the endpoint responsible for key: the first node at or
// after the key's hash, wrapping around the ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*discovery.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, discovery.ErrNoEndpoints
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// Keyed adapts the ring to Balancer for a fixed key. The ring is rebuilt
// from the endpoints passed to every Pick.
func (b *ConsistentHashBalancer) Keyed(key string) Balancer {
	return &keyedBalancer{ring: b, key: key}
}

type keyedBalancer struct {
	ring *ConsistentHashBalancer
	key  string
}

func (k *keyedBalancer) Pick(eps []discovery.Endpoint) (*discovery.Endpoint, error) {
	k.ring.Set(eps)
	return k.ring.PickKey(k.key)
}

func (k *keyedBalancer) Name() string {
	return k.ring.Name()
}
