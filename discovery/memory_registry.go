package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	if ep.Addr == "" {
		return errors.New("pico-rpc(discovery): endpoint without address")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Endpoint)
	}
	r.services[service][ep.Addr] = ep
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notify(service)
	return nil
}

// Discover returns the endpoints of service sorted by address.
func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) list(service string) []Endpoint {
	eps := make([]Endpoint, 0, len(r.services[service]))
	for _, ep := range r.services[service] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Addr < eps[j].Addr })
	return eps
}

// notify must be called with mu held. A watcher that has not consumed the
// previous list gets it replaced by the latest one.
func (r *MemoryRegistry) notify(service string) {
	eps := r.list(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- eps
	}
}
