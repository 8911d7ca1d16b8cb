// Package descriptor describes the channels, services and methods a client
// knows about. Everything here is built once and is read-only afterwards:
// other packages compare descriptors by pointer.
package descriptor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/emptypb"
)

var (
	// ErrDuplicateID is returned when two services, or two methods of one
	// service, hash to the same ID.
	ErrDuplicateID = errors.New("pico-rpc(descriptor): duplicate id")
	// ErrEmptyName is returned for a service or method without a name.
	ErrEmptyName = errors.New("pico-rpc(descriptor): empty name")
)

// Channel is a logical endpoint towards one peer. The output function writes
// one encoded packet; what happens to failed writes is up to the output.
type Channel struct {
	ID     uint32
	output func(data []byte) error
}

// NewChannel creates a channel with the given id writing through output.
func NewChannel(id uint32, output func(data []byte) error) *Channel {
	return &Channel{ID: id, output: output}
}

// Output writes one encoded packet to the channel.
func (c *Channel) Output(data []byte) error {
	if c.output == nil {
		return errors.Errorf("pico-rpc(descriptor): channel %d has no output", c.ID)
	}
	return c.output(data)
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%d)", c.ID)
}

// MethodType is the call kind of a method.
type MethodType int

const (
	Unary MethodType = iota
	ServerStreaming
	ClientStreaming
	BidirectionalStreaming
)

func (t MethodType) String() string {
	switch t {
	case Unary:
		return "unary"
	case ServerStreaming:
		return "server-streaming"
	case ClientStreaming:
		return "client-streaming"
	case BidirectionalStreaming:
		return "bidirectional-streaming"
	}
	return fmt.Sprintf("MethodType(%d)", int(t))
}

// IsServerStreaming reports whether the server may send several responses.
func (t MethodType) IsServerStreaming() bool {
	return t == ServerStreaming || t == BidirectionalStreaming
}

// IsClientStreaming reports whether the client may send several requests.
func (t MethodType) IsClientStreaming() bool {
	return t == ClientStreaming || t == BidirectionalStreaming
}

func methodTypeOf(clientStreaming, serverStreaming bool) MethodType {
	switch {
	case clientStreaming && serverStreaming:
		return BidirectionalStreaming
	case clientStreaming:
		return ClientStreaming
	case serverStreaming:
		return ServerStreaming
	}
	return Unary
}

var emptyType = (&emptypb.Empty{}).ProtoReflect().Type()

// Method is one RPC endpoint of a service. Request and Response are used to
// encode requests and decode response payloads.
type Method struct {
	Service  *Service
	Name     string
	ID       uint32
	Type     MethodType
	Request  protoreflect.MessageType
	Response protoreflect.MessageType
}

// NewMethod describes a method. Nil message types default to
// google.protobuf.Empty. The method is bound to its service by NewService.
func NewMethod(name string, typ MethodType, request, response protoreflect.MessageType) *Method {
	if request == nil {
		request = emptyType
	}
	if response == nil {
		response = emptyType
	}
	return &Method{
		Name:     name,
		ID:       ID(name),
		Type:     typ,
		Request:  request,
		Response: response,
	}
}

// FullName returns "package.Service.Method".
func (m *Method) FullName() string {
	if m.Service == nil {
		return m.Name
	}
	return m.Service.FullName + "." + m.Name
}

func (m *Method) String() string {
	return m.FullName()
}

// Service is a named set of methods.
type Service struct {
	Name     string
	Package  string
	FullName string
	ID       uint32
	Methods  *Methods
}

// NewService builds a service from its fully-qualified name (for example
// "pkg.EchoService") and methods. The methods are copied so the originals
// can be reused for other services.
func NewService(fullName string, methods ...*Method) (*Service, error) {
	if fullName == "" {
		return nil, ErrEmptyName
	}
	s := &Service{
		Name:     fullName,
		FullName: fullName,
		ID:       ID(fullName),
	}
	if i := strings.LastIndexByte(fullName, '.'); i >= 0 {
		s.Package = fullName[:i]
		s.Name = fullName[i+1:]
	}

	bound := make([]*Method, 0, len(methods))
	for _, m := range methods {
		if m.Name == "" {
			return nil, errors.Wrapf(ErrEmptyName, "method of %s", fullName)
		}
		mm := *m
		mm.Service = s
		bound = append(bound, &mm)
	}
	ms, err := newMethods(bound)
	if err != nil {
		return nil, errors.Wrapf(err, "service %s", fullName)
	}
	s.Methods = ms
	return s, nil
}

func (s *Service) String() string {
	return s.FullName
}
