package codec

import (
	"google.golang.org/protobuf/proto"
)

// ProtoCodec uses the protobuf binary wire format. This is what embedded
// peers speak and it is the default.
type ProtoCodec struct{}

// Encode marshals msg. A nil message encodes to an empty payload.
func (c *ProtoCodec) Encode(msg proto.Message) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	return proto.Marshal(msg)
}

func (c *ProtoCodec) Decode(data []byte, msg proto.Message) error {
	return proto.Unmarshal(data, msg)
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
