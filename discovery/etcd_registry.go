package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry keeps endpoints in etcd:
//
//	Key:   /pico-rpc/{service}/{addr}
//	Value: JSON-encoded Endpoint
//
// Registrations hold a lease, so a crashed peer drops out after its TTL.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.L().Named("discovery")
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "pico-rpc(discovery): connect etcd")
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

// Register grants a lease with ttl, stores ep under it and keeps it alive
// in the background until ctx is done.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "pico-rpc(discovery): grant lease")
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := endpointKey(service, ep.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "pico-rpc(discovery): put %s", key)
	}

	// The lease id stays local; one registry may serve several registrations.
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "pico-rpc(discovery): keep alive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	if _, err := r.client.Delete(ctx, endpointKey(service, addr)); err != nil {
		return errors.Wrap(err, "pico-rpc(discovery): delete")
	}
	return nil
}

// Discover lists the endpoints registered for service. Malformed values are
// skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "pico-rpc(discovery): get")
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Watch re-fetches the endpoint list whenever a key under the service
// prefix changes.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			eps, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("refresh endpoints", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
