package codec

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSONCodec uses the canonical protobuf JSON mapping.
// Pros: human-readable, easy to debug against host-side test peers.
// Cons: larger payloads, not understood by most embedded servers.
type JSONCodec struct{}

// Encode marshals msg. A nil message encodes to an empty payload.
func (c *JSONCodec) Encode(msg proto.Message) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	return protojson.Marshal(msg)
}

// Decode treats an empty payload as the zero message.
func (c *JSONCodec) Decode(data []byte, msg proto.Message) error {
	if len(data) == 0 {
		proto.Reset(msg)
		return nil
	}
	return protojson.Unmarshal(data, msg)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
