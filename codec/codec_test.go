package codec

import (
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestProtoCodec(t *testing.T) {
	protoCodec := GetCodec(CodecTypeProto)
	if protoCodec.Type() != CodecTypeProto {
		t.Fatalf("expect proto codec, got %d", protoCodec.Type())
	}

	data, err := protoCodec.Encode(wrapperspb.String("hello"))
	if err != nil {
		t.Fatalf("ProtoCodec Encode failed: %v", err)
	}

	decoded := &wrapperspb.StringValue{}
	if err := protoCodec.Decode(data, decoded); err != nil {
		t.Fatalf("ProtoCodec Decode failed: %v", err)
	}
	if decoded.GetValue() != "hello" {
		t.Errorf("Value mismatch: got %q, want %q", decoded.GetValue(), "hello")
	}
}

func TestProtoCodecNil(t *testing.T) {
	data, err := (&ProtoCodec{}).Encode(nil)
	if err != nil || len(data) != 0 {
		t.Fatalf("expect empty payload for nil message, got %x, %v", data, err)
	}
}

func TestProtoCodecGarbage(t *testing.T) {
	if err := (&ProtoCodec{}).Decode([]byte{0x0a, 0x05, 'a'}, &wrapperspb.StringValue{}); err == nil {
		t.Fatal("expect error for truncated payload")
	}
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)

	data, err := jsonCodec.Encode(wrapperspb.Int32(42))
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}
	if string(data) != "42" {
		t.Fatalf("expect wrapper to encode as a bare value, got %s", data)
	}

	decoded := &wrapperspb.Int32Value{}
	if err := jsonCodec.Decode(data, decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if !proto.Equal(decoded, wrapperspb.Int32(42)) {
		t.Errorf("mismatch: got %v", decoded)
	}

	empty := wrapperspb.Int32(7)
	if err := jsonCodec.Decode(nil, empty); err != nil {
		t.Fatal(err)
	}
	if empty.GetValue() != 0 {
		t.Fatalf("expect empty payload to reset the message, got %d", empty.GetValue())
	}
}
