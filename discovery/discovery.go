// Package discovery finds the network endpoints of RPC peers by service name.
package discovery

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoEndpoints is returned when a service has no registered endpoint.
var ErrNoEndpoints = errors.New("pico-rpc(discovery): no endpoints available")

// Endpoint is one reachable peer of a service.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

// Registry stores endpoints by service name.
type Registry interface {
	// Register adds ep for service. Entries disappear ttl seconds after the
	// registering process stops renewing them.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}

const keyPrefix = "/pico-rpc/"

func servicePrefix(service string) string {
	return keyPrefix + service + "/"
}

func endpointKey(service, addr string) string {
	return servicePrefix(service) + addr
}
