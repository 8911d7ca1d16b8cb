package descriptor

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// FromServiceDescriptor converts a protobuf service descriptor. Message types
// are looked up in types (protoregistry.GlobalTypes if nil); messages that
// are not registered are handled with dynamicpb.
func FromServiceDescriptor(sd protoreflect.ServiceDescriptor, types *protoregistry.Types) (*Service, error) {
	if types == nil {
		types = protoregistry.GlobalTypes
	}
	mds := sd.Methods()
	methods := make([]*Method, 0, mds.Len())
	for i := 0; i < mds.Len(); i++ {
		md := mds.Get(i)
		methods = append(methods, NewMethod(
			string(md.Name()),
			methodTypeOf(md.IsStreamingClient(), md.IsStreamingServer()),
			messageType(types, md.Input()),
			messageType(types, md.Output()),
		))
	}
	return NewService(string(sd.FullName()), methods...)
}

func messageType(types *protoregistry.Types, md protoreflect.MessageDescriptor) protoreflect.MessageType {
	if mt, err := types.FindMessageByName(md.FullName()); err == nil {
		return mt
	}
	return dynamicpb.NewMessageType(md)
}

// FromFile converts every service declared in a file.
func FromFile(fd protoreflect.FileDescriptor, types *protoregistry.Types) ([]*Service, error) {
	sds := fd.Services()
	services := make([]*Service, 0, sds.Len())
	for i := 0; i < sds.Len(); i++ {
		s, err := FromServiceDescriptor(sds.Get(i), types)
		if err != nil {
			return nil, err
		}
		services = append(services, s)
	}
	return services, nil
}

// FromFileDescriptorSet converts every service in a compiled descriptor set,
// as produced by `protoc --include_imports -o`.
func FromFileDescriptorSet(set *descriptorpb.FileDescriptorSet) ([]*Service, error) {
	files, err := protodesc.NewFiles(set)
	if err != nil {
		return nil, errors.Wrap(err, "pico-rpc(descriptor): invalid descriptor set")
	}
	var services []*Service
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		var ss []*Service
		ss, err = FromFile(fd, new(protoregistry.Types))
		if err != nil {
			return false
		}
		services = append(services, ss...)
		return true
	})
	if err != nil {
		return nil, err
	}
	return services, nil
}
