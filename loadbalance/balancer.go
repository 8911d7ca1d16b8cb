// Package loadbalance picks one endpoint of a service for a connection.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity peers
//   - WeightedRandom:  peers of different capacity, by Endpoint.Weight
//   - ConsistentHash:  a key, such as a device serial, sticks to one peer
package loadbalance

import "pico-rpc/discovery"

// Balancer selects the endpoint to dial. Pick must be goroutine-safe.
type Balancer interface {
	Pick(eps []discovery.Endpoint) (*discovery.Endpoint, error)

	// Name returns the strategy name for logging.
	Name() string
}

// ByName returns the balancer for "roundrobin", "random" or
// "consistenthash". key is only used by consistent hashing. Unknown names
// fall back to round robin.
func ByName(name, key string) Balancer {
	switch name {
	case "random":
		return &WeightedRandomBalancer{}
	case "consistenthash":
		return NewConsistentHashBalancer().Keyed(key)
	default:
		return &RoundRobinBalancer{}
	}
}
