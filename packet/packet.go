// Package packet defines the RPC packet exchanged between client and server
// and its wire encoding.
//
// Every packet is the protobuf encoding of the RpcPacket message:
//
//	message RpcPacket {
//	  PacketType type       = 1;  // varint
//	  uint32     channel_id = 2;  // varint
//	  fixed32    service_id = 3;
//	  fixed32    method_id  = 4;
//	  bytes      payload    = 5;
//	  uint32     status     = 6;  // varint
//	}
//
// Packet types with an even value travel client → server, odd values travel
// server → client.
package packet

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Type distinguishes the role of a packet within an RPC.
type Type uint32

const (
	// Client → server
	TypeRequest         Type = 0
	TypeClientStream    Type = 2
	TypeClientError     Type = 4
	TypeCancel          Type = 6
	TypeClientStreamEnd Type = 8

	// Server → client
	TypeResponse        Type = 1
	TypeServerStreamEnd Type = 3
	TypeServerError     Type = 5
)

var typeNames = map[Type]string{
	TypeRequest:         "REQUEST",
	TypeClientStream:    "CLIENT_STREAM",
	TypeClientError:     "CLIENT_ERROR",
	TypeCancel:          "CANCEL",
	TypeClientStreamEnd: "CLIENT_STREAM_END",
	TypeResponse:        "RESPONSE",
	TypeServerStreamEnd: "SERVER_STREAM_END",
	TypeServerError:     "SERVER_ERROR",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", uint32(t))
}

// ForServer reports whether packets of this type are addressed to a server.
func (t Type) ForServer() bool {
	return t%2 == 0
}

// Packet carries the routing header and payload of one RPC packet.
//
//   - ChannelID, ServiceID and MethodID name the call.
//   - Payload holds the serialized request or response message, if any.
//   - Status is meaningful for packets that end a call.
type Packet struct {
	Type      Type
	ChannelID uint32
	ServiceID uint32
	MethodID  uint32
	Payload   []byte
	Status    uint32
}

// ForServer reports whether the packet is addressed to a server.
func (p *Packet) ForServer() bool {
	return p.Type.ForServer()
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet(type=%s, channel=%d, service=%08x, method=%08x, status=%d, payload=%d bytes)",
		p.Type, p.ChannelID, p.ServiceID, p.MethodID, p.Status, len(p.Payload))
}

// EncodeRequest encodes a REQUEST packet carrying the serialized request.
func EncodeRequest(channelID, serviceID, methodID uint32, payload []byte) []byte {
	return Encode(&Packet{
		Type:      TypeRequest,
		ChannelID: channelID,
		ServiceID: serviceID,
		MethodID:  methodID,
		Payload:   payload,
	})
}

// EncodeCancel encodes a CANCEL packet for a streaming call.
func EncodeCancel(channelID, serviceID, methodID uint32) []byte {
	return Encode(&Packet{
		Type:      TypeCancel,
		ChannelID: channelID,
		ServiceID: serviceID,
		MethodID:  methodID,
	})
}

// EncodeClientError answers orig with a CLIENT_ERROR packet for the same call.
func EncodeClientError(orig *Packet, status codes.Code) []byte {
	return Encode(&Packet{
		Type:      TypeClientError,
		ChannelID: orig.ChannelID,
		ServiceID: orig.ServiceID,
		MethodID:  orig.MethodID,
		Status:    uint32(status),
	})
}

// EncodeResponse encodes a RESPONSE packet answering req. Server streaming
// responses leave the status unset.
func EncodeResponse(req *Packet, payload []byte, status codes.Code) []byte {
	return Encode(&Packet{
		Type:      TypeResponse,
		ChannelID: req.ChannelID,
		ServiceID: req.ServiceID,
		MethodID:  req.MethodID,
		Payload:   payload,
		Status:    uint32(status),
	})
}

// EncodeStreamEnd encodes the SERVER_STREAM_END packet that finishes a
// server streaming call.
func EncodeStreamEnd(req *Packet, status codes.Code) []byte {
	return Encode(&Packet{
		Type:      TypeServerStreamEnd,
		ChannelID: req.ChannelID,
		ServiceID: req.ServiceID,
		MethodID:  req.MethodID,
		Status:    uint32(status),
	})
}

// EncodeServerError encodes a SERVER_ERROR packet answering req.
func EncodeServerError(req *Packet, status codes.Code) []byte {
	return Encode(&Packet{
		Type:      TypeServerError,
		ChannelID: req.ChannelID,
		ServiceID: req.ServiceID,
		MethodID:  req.MethodID,
		Status:    uint32(status),
	})
}
