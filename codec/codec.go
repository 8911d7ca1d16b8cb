// Package codec serializes request and response payloads carried inside RPC
// packets.
package codec

import "google.golang.org/protobuf/proto"

type CodecType byte

const (
	CodecTypeProto CodecType = 0
	CodecTypeJSON  CodecType = 1
)

type Codec interface {
	Encode(msg proto.Message) ([]byte, error)
	Decode(data []byte, msg proto.Message) error
	Type() CodecType // 0=Proto, 1=JSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &ProtoCodec{}
}
