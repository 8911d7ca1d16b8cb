package loadbalance

import (
	"math/rand/v2"

	"pico-rpc/discovery"
)

// WeightedRandomBalancer picks endpoints with probability proportional to
// their weight. Endpoints without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(eps []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(eps) == 0 {
		return nil, discovery.ErrNoEndpoints
	}

	total := 0
	for _, ep := range eps {
		total += weight(ep)
	}

	r := rand.IntN(total)
	for i := range eps {
		r -= weight(eps[i])
		if r < 0 {
			return &eps[i], nil
		}
	}
	return &eps[len(eps)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(ep discovery.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}
