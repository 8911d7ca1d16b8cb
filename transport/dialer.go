package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pico-rpc/discovery"
	"pico-rpc/loadbalance"
)

// Dialer connects to a service by name: it asks the registry for the
// service's endpoints, lets the balancer pick one and dials it.
type Dialer struct {
	Registry discovery.Registry
	Balancer loadbalance.Balancer // round robin when nil
	Network  string               // "tcp" when empty
	Timeout  time.Duration
	Options  []Option // applied to every Transport
	Logger   *zap.Logger
}

// Dial returns a transport to one endpoint of service.
func (d *Dialer) Dial(ctx context.Context, service string) (*Transport, discovery.Endpoint, error) {
	balancer := d.Balancer
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.L().Named("transport")
	}

	eps, err := d.Registry.Discover(ctx, service)
	if err != nil {
		return nil, discovery.Endpoint{}, err
	}
	ep, err := balancer.Pick(eps)
	if err != nil {
		return nil, discovery.Endpoint{}, errors.Wrapf(err, "service %s", service)
	}

	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, network, ep.Addr)
	if err != nil {
		return nil, *ep, errors.Wrapf(err, "pico-rpc(transport): dial %s", ep.Addr)
	}
	logger.Info("connected",
		zap.String("service", service),
		zap.String("addr", ep.Addr),
		zap.String("balancer", balancer.Name()))

	opts := append([]Option{WithLogger(logger)}, d.Options...)
	return New(conn, opts...), *ep, nil
}
