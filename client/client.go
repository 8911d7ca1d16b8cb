// Package client implements the client side of the RPC protocol: it tracks
// outstanding calls and routes incoming packets back to them.
//
// Packet flow:
//
//	caller ──Invoke──▶ PendingRPCs ──REQUEST──▶ channel ──▶ server
//	                        ▲
//	                        │ Resolve (peek for stream responses, pop when a status arrives)
//	                        │
//	transport ──bytes──▶ ProcessPacket ──▶ Impl.ProcessResponse
//
// ProcessPacket reports whether the packet could be routed, not how the RPC
// went. Disagreements with the peer (unknown method, call not pending) are
// answered with a CLIENT_ERROR packet and still return codes.OK.
package client

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"pico-rpc/codec"
	"pico-rpc/descriptor"
	"pico-rpc/packet"
)

// ErrDuplicateChannel is returned by NewClient when two channels share an id.
var ErrDuplicateChannel = errors.New("pico-rpc(client): duplicate channel id")

// maxStatus is the highest status code the protocol defines.
const maxStatus = codes.Unauthenticated

// Impl is the personality of a client: it decides what a method handle is
// and what happens when a response arrives.
type Impl interface {
	// MethodClient returns the handle used to invoke method on channel.
	MethodClient(rpcs *PendingRPCs, channel *descriptor.Channel, method *descriptor.Method) any

	// ProcessResponse handles one response for rpc. status is nil for
	// stream responses that do not end the call; payload is nil when the
	// packet carried no usable payload. args are passed through from
	// ProcessPacket.
	ProcessResponse(rpcs *PendingRPCs, rpc PendingRPC, context any, status *codes.Code, payload proto.Message, args ...any)
}

// Client sends requests and handles responses for a set of channels.
type Client struct {
	impl     Impl
	services *descriptor.Services
	rpcs     *PendingRPCs
	channels map[uint32]*ChannelClient
	codec    codec.Codec
	logger   *zap.Logger
}

// NewClient builds a client for the given channels and services. The method
// handles of every channel are created up front through impl.
func NewClient(impl Impl, channels []*descriptor.Channel, services []*descriptor.Service, opts ...Option) (*Client, error) {
	ss, err := descriptor.NewServices(services...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		impl:     impl,
		services: ss,
		channels: make(map[uint32]*ChannelClient, len(channels)),
		codec:    &codec.ProtoCodec{},
		logger:   zap.L().Named("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rpcs = NewPendingRPCs(c.logger)

	for _, ch := range channels {
		if _, ok := c.channels[ch.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateChannel, "channel %d", ch.ID)
		}
		c.channels[ch.ID] = newChannelClient(c, ch)
	}
	return c, nil
}

// Channel returns the client bound to the channel with the given id.
func (c *Client) Channel(id uint32) (*ChannelClient, bool) {
	cc, ok := c.channels[id]
	return cc, ok
}

// Channels returns all channel clients ordered by channel id.
func (c *Client) Channels() []*ChannelClient {
	ccs := make([]*ChannelClient, 0, len(c.channels))
	for _, cc := range c.channels {
		ccs = append(ccs, cc)
	}
	sort.Slice(ccs, func(i, j int) bool {
		return ccs[i].channel.ID < ccs[j].channel.ID
	})
	return ccs
}

// Services returns the loaded services.
func (c *Client) Services() *descriptor.Services {
	return c.services
}

// Method finds a method by "pkg.Service/Method" or "pkg.Service.Method".
func (c *Client) Method(name string) (*descriptor.Method, error) {
	return c.services.Method(name)
}

// Methods returns every method of every loaded service.
func (c *Client) Methods() []*descriptor.Method {
	var methods []*descriptor.Method
	for _, s := range c.services.All() {
		methods = append(methods, s.Methods.All()...)
	}
	return methods
}

// PendingRPCs returns the table of outstanding calls.
func (c *Client) PendingRPCs() *PendingRPCs {
	return c.rpcs
}

// ProcessPacket handles one raw packet from a transport. It returns
//
//	codes.OK              the packet was processed by this client
//	codes.DataLoss        the packet could not be decoded
//	codes.InvalidArgument the packet is for a server, not a client
//	codes.NotFound        the packet's channel id is not known to this client
//
// args are handed to Impl.ProcessResponse unchanged.
func (c *Client) ProcessPacket(data []byte, args ...any) codes.Code {
	pkt, err := packet.Decode(data)
	if err != nil {
		c.logger.Warn("failed to decode packet", zap.Error(err))
		c.logger.Debug("raw packet", zap.Binary("data", data))
		return codes.DataLoss
	}

	if pkt.ForServer() {
		return codes.InvalidArgument
	}

	cc, ok := c.channels[pkt.ChannelID]
	if !ok {
		c.logger.Warn("unrecognized channel id", zap.Uint32("channel", pkt.ChannelID))
		return codes.NotFound
	}

	method, err := c.services.LookupMethod(pkt.ServiceID, pkt.MethodID)
	if err != nil {
		c.sendClientError(cc.channel, pkt, codes.NotFound)
		c.logger.Warn("response for unknown method", zap.Uint32("channel", pkt.ChannelID), zap.Error(err))
		return codes.OK
	}

	rpc := PendingRPC{Channel: cc.channel, Service: method.Service, Method: method}
	status := c.decodeStatus(rpc, pkt)

	switch pkt.Type {
	case packet.TypeResponse, packet.TypeServerStreamEnd, packet.TypeServerError:
	default:
		c.logger.Error("unexpected packet type", append(rpc.fields(), zap.Stringer("type", pkt.Type))...)
		c.logger.Debug("unexpected packet", zap.Stringer("packet", pkt))
		return codes.OK
	}

	payload := c.decodePayload(rpc, pkt)

	context, err := c.rpcs.Resolve(rpc, status != nil)
	if err != nil {
		c.sendClientError(cc.channel, pkt, codes.FailedPrecondition)
		c.logger.Debug("discarding response for rpc which is not pending", rpc.fields()...)
		return codes.OK
	}
	if status != nil {
		c.logger.Debug("finishing rpc", append(rpc.fields(), zap.Stringer("status", *status))...)
	}

	if pkt.Type == packet.TypeServerError {
		// Still delivered so the Impl can clean up after the call.
		c.logger.Warn("rpc invocation failed", append(rpc.fields(), statusField(status))...)
	}

	c.impl.ProcessResponse(c.rpcs, rpc, context, status, payload, args...)
	return codes.OK
}

// decodeStatus returns nil for packets that do not end the call: server
// stream responses and packets with a status code outside the protocol.
func (c *Client) decodeStatus(rpc PendingRPC, pkt *packet.Packet) *codes.Code {
	if pkt.Type == packet.TypeResponse && rpc.Method.Type.IsServerStreaming() {
		return nil
	}
	if pkt.Status > uint32(maxStatus) {
		c.logger.Warn("illegal status code", append(rpc.fields(), zap.Uint32("status", pkt.Status))...)
		return nil
	}
	status := codes.Code(pkt.Status)
	return &status
}

// decodePayload decodes the payload of RESPONSE packets. Other packet types
// carry nothing for the caller.
func (c *Client) decodePayload(rpc PendingRPC, pkt *packet.Packet) proto.Message {
	if pkt.Type != packet.TypeResponse {
		return nil
	}
	msg := rpc.Method.Response.New().Interface()
	if err := c.codec.Decode(pkt.Payload, msg); err != nil {
		c.logger.Warn("failed to decode response",
			append(rpc.fields(), zap.String("type", string(rpc.Method.Response.Descriptor().FullName())), zap.Error(err))...)
		return nil
	}
	return msg
}

func (c *Client) sendClientError(ch *descriptor.Channel, pkt *packet.Packet, status codes.Code) {
	if err := ch.Output(packet.EncodeClientError(pkt, status)); err != nil {
		c.logger.Debug("channel output failed", zap.Uint32("channel", ch.ID), zap.Error(err))
	}
}

func statusField(status *codes.Code) zap.Field {
	if status == nil {
		return zap.Skip()
	}
	return zap.Stringer("status", *status)
}
