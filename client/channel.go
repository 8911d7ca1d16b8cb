package client

import (
	"pico-rpc/descriptor"
)

type methodKey struct {
	service, method uint32
}

// ChannelClient exposes the method handles of one channel. The table is
// built once by NewClient and never changes.
type ChannelClient struct {
	client  *Client
	channel *descriptor.Channel
	handles map[methodKey]any
	order   []any
}

func newChannelClient(c *Client, ch *descriptor.Channel) *ChannelClient {
	cc := &ChannelClient{
		client:  c,
		channel: ch,
		handles: make(map[methodKey]any),
	}
	for _, s := range c.services.All() {
		for _, m := range s.Methods.All() {
			h := c.impl.MethodClient(c.rpcs, ch, m)
			cc.handles[methodKey{s.ID, m.ID}] = h
			cc.order = append(cc.order, h)
		}
	}
	return cc
}

// Channel returns the underlying channel.
func (cc *ChannelClient) Channel() *descriptor.Channel {
	return cc.channel
}

// MethodByID returns the handle for a service and method id pair.
func (cc *ChannelClient) MethodByID(serviceID, methodID uint32) (any, bool) {
	h, ok := cc.handles[methodKey{serviceID, methodID}]
	return h, ok
}

// Method returns the handle for "pkg.Service/Method" or "pkg.Service.Method".
func (cc *ChannelClient) Method(name string) (any, error) {
	m, err := cc.client.services.Method(name)
	if err != nil {
		return nil, err
	}
	h, _ := cc.MethodByID(m.Service.ID, m.ID)
	return h, nil
}

// Services returns the services reachable on this channel.
func (cc *ChannelClient) Services() []*descriptor.Service {
	return cc.client.services.All()
}

// Methods returns every method handle in service and method order.
func (cc *ChannelClient) Methods() []any {
	return append([]any(nil), cc.order...)
}
