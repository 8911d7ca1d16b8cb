// Package server implements the serving side of the RPC protocol, used as
// the remote peer of a client.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (Transport.Serve reads frames in one goroutine)
//	  → for each REQUEST: go runCall (parallel processing)
//	    → decode request → handler → encode → RESPONSE / SERVER_STREAM_END
//
// CANCEL and CLIENT_ERROR packets cancel the context of the matching call;
// a cancelled call sends nothing more.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"pico-rpc/codec"
	"pico-rpc/descriptor"
	"pico-rpc/discovery"
	"pico-rpc/middleware"
	"pico-rpc/packet"
	"pico-rpc/transport"
)

var (
	ErrDuplicateService = errors.New("pico-rpc(server): service already registered")
	ErrShutdownTimeout  = errors.New("pico-rpc(server): timeout waiting for ongoing calls to finish")
)

// Server dispatches incoming requests to registered services.
type Server struct {
	services      map[uint32]*Service
	codec         codec.Codec
	logger        *zap.Logger
	transportOpts []transport.Option
	middlewares   []middleware.Middleware
	registry      discovery.Registry // nil if not using discovery
	advertiseAddr string             // address registered in the registry, routable by peers
	ttl           int64

	listener net.Listener
	wg       sync.WaitGroup // in-flight calls
	shutdown atomic.Bool

	mu    sync.Mutex
	conns map[*transport.Transport]struct{}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		services: make(map[uint32]*Service),
		codec:    &codec.ProtoCodec{},
		logger:   zap.L().Named("server"),
		ttl:      10,
		conns:    make(map[*transport.Transport]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a service. Register must not be called after serving has
// started.
func (s *Server) Register(svc *Service) error {
	id := svc.desc.ID
	if _, ok := s.services[id]; ok {
		return errors.Wrapf(ErrDuplicateService, "%s", svc.desc.FullName)
	}
	s.services[id] = svc
	return nil
}

// ListenAndServe listens on address and serves connections until Shutdown.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, one goroutine per connection. With a
// registry configured, every service is registered under the advertised
// address first.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.registry != nil {
		ep := discovery.Endpoint{Addr: s.advertiseAddr, Weight: 1}
		for _, svc := range s.services {
			if err := s.registry.Register(context.Background(), svc.desc.FullName, ep, s.ttl); err != nil {
				return errors.Wrapf(err, "register %s", svc.desc.FullName)
			}
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Accept fails once Shutdown closes the listener.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.ServeTransport(transport.New(conn, s.transportOptions()...))
	}
}

func (s *Server) transportOptions() []transport.Option {
	return append([]transport.Option{transport.WithLogger(s.logger)}, s.transportOpts...)
}

// ServeTransport serves one connection until it closes.
func (s *Server) ServeTransport(t *transport.Transport) error {
	s.mu.Lock()
	s.conns[t] = struct{}{}
	s.mu.Unlock()

	c := newConn(s, t)
	defer func() {
		c.cancelAll()
		s.mu.Lock()
		delete(s.conns, t)
		s.mu.Unlock()
		t.Close()
	}()
	return t.Serve(c.handlePacket)
}

// Shutdown stops the server:
//  1. Deregister all services, so clients stop dialing this server
//  2. Close the listener
//  3. Wait for in-flight calls to finish, up to timeout
//  4. Close remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		for _, svc := range s.services {
			if err := s.registry.Deregister(context.Background(), svc.desc.FullName, s.advertiseAddr); err != nil {
				s.logger.Warn("deregister failed", zap.String("service", svc.desc.FullName), zap.Error(err))
			}
		}
	}

	// The flag goes first so Serve sees the Accept error as intended.
	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = ErrShutdownTimeout
	}

	s.mu.Lock()
	for t := range s.conns {
		t.Close()
	}
	s.mu.Unlock()
	return err
}

type callKey struct {
	channel, service, method uint32
}

type call struct {
	cancel context.CancelFunc
}

// conn holds the calls running on one connection.
type conn struct {
	server *Server
	output middleware.OutputFunc
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	calls map[callKey]*call
}

func newConn(s *Server, t *transport.Transport) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		server: s,
		output: middleware.Chain(s.middlewares...)(t.Output),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[callKey]*call),
	}
}

func (c *conn) cancelAll() {
	c.cancel()
}

func (c *conn) send(data []byte) {
	if err := c.output(data); err != nil {
		c.server.logger.Debug("output failed", zap.Error(err))
	}
}

func (c *conn) handlePacket(data []byte) {
	logger := c.server.logger
	pkt, err := packet.Decode(data)
	if err != nil {
		logger.Debug("failed to decode packet", zap.Error(err))
		return
	}
	if !pkt.ForServer() {
		logger.Debug("ignoring packet for a client", zap.Stringer("type", pkt.Type))
		return
	}

	svc, ok := c.server.services[pkt.ServiceID]
	var method *descriptor.Method
	if ok {
		method, ok = svc.desc.Methods.Get(pkt.MethodID)
	}
	if !ok {
		if pkt.Type == packet.TypeRequest {
			c.send(packet.EncodeServerError(pkt, codes.NotFound))
		}
		logger.Warn("request for unknown method",
			zap.Uint32("channel", pkt.ChannelID), zap.Uint32("service", pkt.ServiceID), zap.Uint32("method", pkt.MethodID))
		return
	}

	key := callKey{pkt.ChannelID, pkt.ServiceID, pkt.MethodID}
	switch pkt.Type {
	case packet.TypeRequest:
		c.start(key, svc, method, pkt)
	case packet.TypeCancel, packet.TypeClientError:
		if c.end(key, nil) {
			logger.Debug("call cancelled by client",
				zap.String("method", method.FullName()), zap.Stringer("type", pkt.Type), zap.Stringer("status", codes.Code(pkt.Status)))
		}
	case packet.TypeClientStream, packet.TypeClientStreamEnd:
		c.send(packet.EncodeServerError(pkt, codes.Unimplemented))
	default:
		logger.Warn("unexpected packet type", zap.Stringer("type", pkt.Type))
	}
}

// start runs the handler for a REQUEST. A new request for a running call
// replaces it.
func (c *conn) start(key callKey, svc *Service, method *descriptor.Method, pkt *packet.Packet) {
	var run func(ctx context.Context, req proto.Message) (codes.Code, bool)
	switch method.Type {
	case descriptor.Unary:
		if h, ok := svc.unary[method.ID]; ok {
			run = c.unary(pkt, h)
		}
	case descriptor.ServerStreaming:
		if h, ok := svc.stream[method.ID]; ok {
			run = c.serverStream(pkt, h)
		}
	}
	if run == nil {
		c.send(packet.EncodeServerError(pkt, codes.Unimplemented))
		return
	}

	req := method.Request.New().Interface()
	if err := c.server.codec.Decode(pkt.Payload, req); err != nil {
		c.server.logger.Warn("failed to decode request", zap.String("method", method.FullName()), zap.Error(err))
		c.send(packet.EncodeServerError(pkt, codes.DataLoss))
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	cl := &call{cancel: cancel}
	c.mu.Lock()
	if prev, ok := c.calls[key]; ok {
		prev.cancel()
	}
	c.calls[key] = cl
	c.mu.Unlock()

	c.server.wg.Add(1)
	go func() {
		defer c.server.wg.Done()
		start := time.Now()
		code, sent := run(ctx, req)
		c.end(key, cl)
		c.server.logger.Debug("call finished",
			zap.Uint32("channel", key.channel),
			zap.String("method", method.FullName()),
			zap.Stringer("status", code),
			zap.Bool("sent", sent),
			zap.Duration("duration", time.Since(start)))
	}()
}

// end removes the call for key and cancels it. With cl set, only that call
// is removed. It reports whether a call was removed.
func (c *conn) end(key callKey, cl *call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.calls[key]
	if !ok || (cl != nil && cur != cl) {
		return false
	}
	delete(c.calls, key)
	cur.cancel()
	return true
}

func (c *conn) unary(pkt *packet.Packet, h UnaryHandler) func(context.Context, proto.Message) (codes.Code, bool) {
	return func(ctx context.Context, req proto.Message) (codes.Code, bool) {
		resp, err := h(ctx, req)
		if ctx.Err() != nil {
			return codes.Canceled, false
		}
		code := statusCode(err)
		var payload []byte
		if code == codes.OK {
			if payload, err = c.server.codec.Encode(resp); err != nil {
				c.server.logger.Error("failed to encode response", zap.Error(err))
				code = codes.Internal
			}
		}
		c.send(packet.EncodeResponse(pkt, payload, code))
		return code, true
	}
}

func (c *conn) serverStream(pkt *packet.Packet, h ServerStreamHandler) func(context.Context, proto.Message) (codes.Code, bool) {
	return func(ctx context.Context, req proto.Message) (codes.Code, bool) {
		send := func(msg proto.Message) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := c.server.codec.Encode(msg)
			if err != nil {
				return errors.Wrap(err, "pico-rpc(server): encode response")
			}
			return c.output(packet.EncodeResponse(pkt, payload, codes.OK))
		}
		err := h(ctx, req, send)
		if ctx.Err() != nil {
			return codes.Canceled, false
		}
		code := statusCode(err)
		c.send(packet.EncodeStreamEnd(pkt, code))
		return code, true
	}
}

func statusCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	return status.Code(err)
}
