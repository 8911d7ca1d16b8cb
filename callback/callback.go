// Package callback is a client personality that delivers responses to
// per-call handlers, with blocking helpers for unary and server streaming
// calls on top.
//
//	mc, _ := callback.Method(cc, "pkg.Service/Method")
//	resp, err := mc.Unary(ctx, req)
package callback

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"pico-rpc/client"
	"pico-rpc/codec"
	"pico-rpc/descriptor"
)

var (
	ErrWrongRequestType = errors.New("pico-rpc(callback): wrong request type")
	ErrWrongMethodType  = errors.New("pico-rpc(callback): wrong method type")
	ErrNotCallback      = errors.New("pico-rpc(callback): not a callback method client")
)

// Impl implements client.Impl.
type Impl struct {
	codec  codec.Codec
	logger *zap.Logger
}

var _ client.Impl = (*Impl)(nil)

// New creates the callback personality. The codec must match the one given
// to client.WithCodec.
func New(opts ...Option) *Impl {
	i := &Impl{
		codec:  &codec.ProtoCodec{},
		logger: zap.L().Named("callback"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Impl) MethodClient(rpcs *client.PendingRPCs, channel *descriptor.Channel, method *descriptor.Method) any {
	return &MethodClient{
		impl: i,
		rpcs: rpcs,
		rpc:  client.PendingRPC{Channel: channel, Service: method.Service, Method: method},
	}
}

func (i *Impl) ProcessResponse(rpcs *client.PendingRPCs, rpc client.PendingRPC, ctx any, status *codes.Code, payload proto.Message, args ...any) {
	call, ok := ctx.(*Call)
	if !ok {
		i.logger.Error("pending rpc has no call", zap.String("method", rpc.Method.FullName()))
		return
	}
	call.handle(status, payload)
}

// Method returns the callback handle for name on cc.
func Method(cc *client.ChannelClient, name string) (*MethodClient, error) {
	h, err := cc.Method(name)
	if err != nil {
		return nil, err
	}
	mc, ok := h.(*MethodClient)
	if !ok {
		return nil, errors.Wrapf(ErrNotCallback, "%s", name)
	}
	return mc, nil
}

// MethodClient invokes one method on one channel.
type MethodClient struct {
	impl *Impl
	rpcs *client.PendingRPCs
	rpc  client.PendingRPC
}

// Method returns the descriptor of the method.
func (m *MethodClient) Method() *descriptor.Method {
	return m.rpc.Method
}

// Channel returns the channel the method is invoked on.
func (m *MethodClient) Channel() *descriptor.Channel {
	return m.rpc.Channel
}

// InvokeOption changes how a call is started.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	override bool
}

// Override replaces a call that is still pending instead of failing. The
// replaced call finishes with codes.Canceled and runs no more handlers.
func Override() InvokeOption {
	return func(o *invokeOptions) {
		o.override = true
	}
}

// Invoke sends request and returns the started call. A nil request sends
// the zero value of the method's request type.
func (m *MethodClient) Invoke(request proto.Message, h Handlers, opts ...InvokeOption) (*Call, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := m.encode(request)
	if err != nil {
		return nil, err
	}

	call := newCall(m.rpcs, m.rpc, h)
	if !o.override {
		if err := m.rpcs.Invoke(m.rpc, payload, call, false); err != nil {
			return nil, err
		}
		return call, nil
	}
	if prev, ok := m.rpcs.Replace(m.rpc, payload, call); ok {
		if old, ok := prev.(*Call); ok {
			old.finish(codes.Canceled)
		}
	}
	return call, nil
}

// Cancel cancels whichever call of this method is pending.
func (m *MethodClient) Cancel() bool {
	ctx, err := m.rpcs.Resolve(m.rpc, false)
	if err != nil {
		return false
	}
	if call, ok := ctx.(*Call); ok {
		return call.Cancel()
	}
	return m.rpcs.Cancel(m.rpc)
}

// Unary invokes a unary method and waits for its response. Non-OK statuses
// are returned as grpc status errors.
func (m *MethodClient) Unary(ctx context.Context, request proto.Message, opts ...InvokeOption) (proto.Message, error) {
	if m.rpc.Method.Type != descriptor.Unary {
		return nil, errors.Wrapf(ErrWrongMethodType, "%s is %s", m.rpc.Method.FullName(), m.rpc.Method.Type)
	}

	var response proto.Message
	call, err := m.Invoke(request, Handlers{
		OnNext: func(payload proto.Message) { response = payload },
	}, opts...)
	if err != nil {
		return nil, err
	}

	code, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if code != codes.OK {
		return nil, status.Errorf(code, "%s failed", m.rpc.Method.FullName())
	}
	if response == nil {
		return nil, status.Errorf(codes.DataLoss, "%s: response could not be decoded", m.rpc.Method.FullName())
	}
	return response, nil
}

// ServerStream invokes a server streaming method, calling onNext for every
// response until the stream ends.
func (m *MethodClient) ServerStream(ctx context.Context, request proto.Message, onNext func(proto.Message), opts ...InvokeOption) error {
	if !m.rpc.Method.Type.IsServerStreaming() {
		return errors.Wrapf(ErrWrongMethodType, "%s is %s", m.rpc.Method.FullName(), m.rpc.Method.Type)
	}

	call, err := m.Invoke(request, Handlers{OnNext: onNext}, opts...)
	if err != nil {
		return err
	}
	code, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if code != codes.OK {
		return status.Errorf(code, "%s failed", m.rpc.Method.FullName())
	}
	return nil
}

func (m *MethodClient) encode(request proto.Message) ([]byte, error) {
	if request == nil {
		request = m.rpc.Method.Request.New().Interface()
	}
	want := m.rpc.Method.Request.Descriptor().FullName()
	if got := request.ProtoReflect().Descriptor().FullName(); got != want {
		return nil, errors.Wrapf(ErrWrongRequestType, "%s expects %s, got %s", m.rpc.Method.FullName(), want, got)
	}
	payload, err := m.impl.codec.Encode(request)
	if err != nil {
		return nil, errors.Wrap(err, "pico-rpc(callback): encode request")
	}
	return payload, nil
}
