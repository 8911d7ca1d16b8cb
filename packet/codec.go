package packet

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the RpcPacket message.
const (
	fieldType      protowire.Number = 1
	fieldChannelID protowire.Number = 2
	fieldServiceID protowire.Number = 3
	fieldMethodID  protowire.Number = 4
	fieldPayload   protowire.Number = 5
	fieldStatus    protowire.Number = 6
)

// ErrDecode wraps every failure to parse a raw packet.
var ErrDecode = errors.New("pico-rpc(packet): malformed packet")

// Encode serializes p. Zero-valued fields are omitted, as proto3 does.
func Encode(p *Packet) []byte {
	b := make([]byte, 0, 24+len(p.Payload))
	if p.Type != 0 {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Type))
	}
	if p.ChannelID != 0 {
		b = protowire.AppendTag(b, fieldChannelID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ChannelID))
	}
	if p.ServiceID != 0 {
		b = protowire.AppendTag(b, fieldServiceID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.ServiceID)
	}
	if p.MethodID != 0 {
		b = protowire.AppendTag(b, fieldMethodID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.MethodID)
	}
	if len(p.Payload) != 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	if p.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Status))
	}
	return b
}

// Decode parses one packet from data. Unknown fields are skipped; a known
// field with the wrong wire type is an error.
func Decode(data []byte) (*Packet, error) {
	p := &Packet{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
		}
		data = data[n:]

		switch num {
		case fieldType, fieldChannelID, fieldStatus:
			if typ != protowire.VarintType {
				return nil, errors.Wrapf(ErrDecode, "field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrapf(ErrDecode, "field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldType:
				p.Type = Type(v)
			case fieldChannelID:
				p.ChannelID = uint32(v)
			default:
				p.Status = uint32(v)
			}
		case fieldServiceID, fieldMethodID:
			if typ != protowire.Fixed32Type {
				return nil, errors.Wrapf(ErrDecode, "field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, errors.Wrapf(ErrDecode, "field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldServiceID {
				p.ServiceID = v
			} else {
				p.MethodID = v
			}
		case fieldPayload:
			if typ != protowire.BytesType {
				return nil, errors.Wrapf(ErrDecode, "field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrapf(ErrDecode, "field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			p.Payload = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrapf(ErrDecode, "field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}
