// Package descriptortest provides a small service set shared by tests.
package descriptortest

import (
	"sync"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"pico-rpc/descriptor"
)

const (
	EchoServiceName  = "pico.test.EchoService"
	OtherServiceName = "pico.test.OtherService"
)

var stringType = (&wrapperspb.StringValue{}).ProtoReflect().Type()

// Services returns freshly built descriptors:
//
//	pico.test.EchoService
//	  Echo   unary            StringValue -> StringValue
//	  Watch  server-streaming StringValue -> StringValue
//	  Upload client-streaming StringValue -> StringValue
//	  Chat   bidirectional    StringValue -> StringValue
//	pico.test.OtherService
//	  Ping   unary            Empty -> Empty
func Services() []*descriptor.Service {
	echo, err := descriptor.NewService(EchoServiceName,
		descriptor.NewMethod("Echo", descriptor.Unary, stringType, stringType),
		descriptor.NewMethod("Watch", descriptor.ServerStreaming, stringType, stringType),
		descriptor.NewMethod("Upload", descriptor.ClientStreaming, stringType, stringType),
		descriptor.NewMethod("Chat", descriptor.BidirectionalStreaming, stringType, stringType),
	)
	if err != nil {
		panic(err)
	}
	other, err := descriptor.NewService(OtherServiceName,
		descriptor.NewMethod("Ping", descriptor.Unary, nil, nil),
	)
	if err != nil {
		panic(err)
	}
	return []*descriptor.Service{echo, other}
}

// Recorder is a channel output that keeps every packet written to it.
type Recorder struct {
	mu      sync.Mutex
	packets [][]byte
}

// Output appends data; it never fails.
func (r *Recorder) Output(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, append([]byte(nil), data...))
	return nil
}

// Packets returns a copy of everything written so far.
func (r *Recorder) Packets() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.packets...)
}

// Len returns the number of recorded packets.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

// Last returns the most recent packet, or nil.
func (r *Recorder) Last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packets) == 0 {
		return nil
	}
	return r.packets[len(r.packets)-1]
}

// Reset forgets recorded packets.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = nil
}
