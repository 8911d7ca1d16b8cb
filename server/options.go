package server

import (
	"go.uber.org/zap"

	"pico-rpc/codec"
	"pico-rpc/discovery"
	"pico-rpc/middleware"
	"pico-rpc/transport"
)

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCodec sets the payload codec. It must match the clients' codec.
func WithCodec(cdc codec.Codec) Option {
	return func(s *Server) {
		if cdc != nil {
			s.codec = cdc
		}
	}
}

// WithTransportOptions configures the transport of every accepted
// connection.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *Server) {
		s.transportOpts = append(s.transportOpts, opts...)
	}
}

// WithMiddleware wraps the output of every connection, in order.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

// WithRegistry registers every service under advertiseAddr when serving
// starts and deregisters it on Shutdown. advertiseAddr must be routable by
// peers, unlike a listen address such as ":8080".
func WithRegistry(reg discovery.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}
