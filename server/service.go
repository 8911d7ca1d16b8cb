package server

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"pico-rpc/descriptor"
)

// UnaryHandler answers one request with one response. Errors carrying a
// grpc status (status.Error) set the response status; other errors are
// reported as codes.Unknown.
type UnaryHandler func(ctx context.Context, req proto.Message) (proto.Message, error)

// ServerStreamHandler sends any number of responses through send. The
// stream ends with the handler's returned status.
type ServerStreamHandler func(ctx context.Context, req proto.Message, send func(proto.Message) error) error

var ErrHandler = errors.New("pico-rpc(server): invalid handler")

// Service binds handlers to the methods of one service descriptor.
type Service struct {
	desc   *descriptor.Service
	unary  map[uint32]UnaryHandler
	stream map[uint32]ServerStreamHandler
}

func NewService(desc *descriptor.Service) *Service {
	return &Service{
		desc:   desc,
		unary:  make(map[uint32]UnaryHandler),
		stream: make(map[uint32]ServerStreamHandler),
	}
}

// Descriptor returns the service descriptor.
func (s *Service) Descriptor() *descriptor.Service {
	return s.desc
}

// HandleUnary sets the handler of a unary method.
func (s *Service) HandleUnary(method string, h UnaryHandler) error {
	m, err := s.method(method, descriptor.Unary)
	if err != nil {
		return err
	}
	s.unary[m.ID] = h
	return nil
}

// HandleServerStream sets the handler of a server streaming method.
func (s *Service) HandleServerStream(method string, h ServerStreamHandler) error {
	m, err := s.method(method, descriptor.ServerStreaming)
	if err != nil {
		return err
	}
	s.stream[m.ID] = h
	return nil
}

func (s *Service) method(name string, want descriptor.MethodType) (*descriptor.Method, error) {
	m, ok := s.desc.Methods.ByName(name)
	if !ok {
		return nil, errors.Wrapf(ErrHandler, "no method %s in %s", name, s.desc.FullName)
	}
	if m.Type != want {
		return nil, errors.Wrapf(ErrHandler, "%s is %s, not %s", m.FullName(), m.Type, want)
	}
	return m, nil
}
