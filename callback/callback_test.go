package callback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pico-rpc/client"
	"pico-rpc/descriptor"
	"pico-rpc/descriptor/descriptortest"
	"pico-rpc/packet"
)

type fixture struct {
	client *client.Client
	out    *descriptortest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	out := &descriptortest.Recorder{}
	logger := zaptest.NewLogger(t)
	c, err := client.NewClient(New(WithLogger(logger)),
		[]*descriptor.Channel{descriptor.NewChannel(1, out.Output)},
		descriptortest.Services(),
		client.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{client: c, out: out}
}

func (f *fixture) method(t *testing.T, name string) *MethodClient {
	t.Helper()
	cc, _ := f.client.Channel(1)
	mc, err := Method(cc, name)
	if err != nil {
		t.Fatal(err)
	}
	return mc
}

// waitRequest waits until n packets have been sent and returns the last.
func (f *fixture) waitRequest(t *testing.T, n int) *packet.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.out.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for packet %d", n)
		}
		time.Sleep(time.Millisecond)
	}
	pkt, err := packet.Decode(f.out.Packets()[n-1])
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

func (f *fixture) respond(t *testing.T, data []byte) {
	t.Helper()
	if code := f.client.ProcessPacket(data); code != codes.OK {
		t.Fatalf("ProcessPacket: %v", code)
	}
}

func marshal(t *testing.T, msg proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestUnary(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Echo")

	type result struct {
		resp proto.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := mc.Unary(context.Background(), wrapperspb.String("ping"))
		done <- result{resp, err}
	}()

	req := f.waitRequest(t, 1)
	var sent wrapperspb.StringValue
	if err := proto.Unmarshal(req.Payload, &sent); err != nil || sent.GetValue() != "ping" {
		t.Fatalf("unexpected request payload %x: %v", req.Payload, err)
	}
	f.respond(t, packet.EncodeResponse(req, marshal(t, wrapperspb.String("pong")), codes.OK))

	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if got := r.resp.(*wrapperspb.StringValue).GetValue(); got != "pong" {
		t.Fatalf("expect pong, got %q", got)
	}
}

func TestUnaryError(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Echo")

	done := make(chan error, 1)
	go func() {
		_, err := mc.Unary(context.Background(), nil)
		done <- err
	}()
	req := f.waitRequest(t, 1)
	f.respond(t, packet.EncodeServerError(req, codes.NotFound))

	err := <-done
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expect NotFound, got %v", err)
	}
}

func TestUnaryTimeout(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Echo")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := mc.Unary(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	if f.client.PendingRPCs().Len() != 0 {
		t.Fatal("timed out call should be cancelled")
	}

	// A late response is answered with a client error.
	req := f.waitRequest(t, 1)
	f.respond(t, packet.EncodeResponse(req, nil, codes.OK))
	last := f.waitRequest(t, 2)
	if last.Type != packet.TypeClientError || codes.Code(last.Status) != codes.FailedPrecondition {
		t.Fatalf("expect CLIENT_ERROR FailedPrecondition, got %v", last)
	}
}

func TestServerStream(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- mc.ServerStream(context.Background(), wrapperspb.String("w"), func(msg proto.Message) {
			mu.Lock()
			got = append(got, msg.(*wrapperspb.StringValue).GetValue())
			mu.Unlock()
		})
	}()

	req := f.waitRequest(t, 1)
	for _, s := range []string{"1", "2", "3"} {
		f.respond(t, packet.EncodeResponse(req, marshal(t, wrapperspb.String(s)), codes.OK))
	}
	f.respond(t, packet.EncodeStreamEnd(req, codes.OK))

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "1" || got[2] != "3" {
		t.Fatalf("unexpected stream %v", got)
	}
}

func TestServerStreamCancel(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mc.ServerStream(ctx, nil, nil)
	}()
	f.waitRequest(t, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expect Canceled, got %v", err)
	}
	if last := f.waitRequest(t, 2); last.Type != packet.TypeCancel {
		t.Fatalf("expect CANCEL packet, got %v", last)
	}
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	var events []string
	h := Handlers{
		OnNext:      func(proto.Message) { events = append(events, "next") },
		OnCompleted: func() { events = append(events, "completed") },
		OnError:     func(s codes.Code) { events = append(events, "error:"+s.String()) },
	}

	call, err := mc.Invoke(nil, h)
	if err != nil {
		t.Fatal(err)
	}
	req := f.waitRequest(t, 1)
	f.respond(t, packet.EncodeResponse(req, nil, codes.OK))
	f.respond(t, packet.EncodeStreamEnd(req, codes.OK))

	if s, ok := call.Status(); !ok || s != codes.OK {
		t.Fatalf("expect finished with OK, got %v %v", s, ok)
	}
	if len(events) != 2 || events[0] != "next" || events[1] != "completed" {
		t.Fatalf("unexpected events %v", events)
	}

	events = nil
	call, err = mc.Invoke(nil, h)
	if err != nil {
		t.Fatal(err)
	}
	f.respond(t, packet.EncodeServerError(req, codes.Aborted))
	if len(events) != 1 || events[0] != "error:Aborted" {
		t.Fatalf("unexpected events %v", events)
	}
	if s, _ := call.Status(); s != codes.Aborted {
		t.Fatalf("expect Aborted, got %v", s)
	}
}

func TestOverride(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	first, err := mc.Invoke(nil, Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mc.Invoke(nil, Handlers{}); !errors.Is(err, client.ErrAlreadyPending) {
		t.Fatalf("expect ErrAlreadyPending, got %v", err)
	}
	second, err := mc.Invoke(nil, Handlers{}, Override())
	if err != nil {
		t.Fatal(err)
	}

	if s, ok := first.Status(); !ok || s != codes.Canceled {
		t.Fatalf("overridden call should finish with Canceled, got %v %v", s, ok)
	}

	req := f.waitRequest(t, 2)
	f.respond(t, packet.EncodeStreamEnd(req, codes.OK))
	if s, ok := second.Status(); !ok || s != codes.OK {
		t.Fatalf("overriding call should finish with OK, got %v %v", s, ok)
	}
}

func TestStaleCancelKeepsReplacement(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	completed := false
	first, err := mc.Invoke(nil, Handlers{OnCompleted: func() { t.Error("replaced call completed") }})
	if err != nil {
		t.Fatal(err)
	}
	second, err := mc.Invoke(nil, Handlers{OnCompleted: func() { completed = true }}, Override())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if s, err := first.Wait(ctx); err != nil || s != codes.Canceled {
		t.Fatalf("expect Canceled without error, got %v %v", s, err)
	}
	if first.Cancel() {
		t.Fatal("replaced call has nothing to cancel")
	}
	if !f.client.PendingRPCs().Pending(second.RPC()) {
		t.Fatal("replacement must stay pending")
	}
	if f.out.Len() != 2 {
		t.Fatalf("expect only the two requests to be sent, got %d packets", f.out.Len())
	}

	req := f.waitRequest(t, 2)
	f.respond(t, packet.EncodeStreamEnd(req, codes.OK))
	if s, ok := second.Status(); !ok || s != codes.OK || !completed {
		t.Fatalf("replacement should complete, got %v %v", s, ok)
	}
}

func TestWaitAfterResponseClaimedCall(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	call, err := mc.Invoke(nil, Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	// A terminal packet removes the call before its handlers run.
	if _, err := f.client.PendingRPCs().Resolve(call.RPC(), true); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	type result struct {
		status codes.Code
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := call.Wait(ctx)
		done <- result{s, err}
	}()

	ok := codes.OK
	call.handle(&ok, nil)
	select {
	case r := <-done:
		if r.err != nil || r.status != codes.OK {
			t.Fatalf("expect OK, got %v %v", r.status, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestNoHandlersAfterCancel(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	next := 0
	call, err := mc.Invoke(nil, Handlers{OnNext: func(proto.Message) { next++ }})
	if err != nil {
		t.Fatal(err)
	}
	call.Cancel()
	// A stream response peeked before the cancel is delivered afterwards.
	call.handle(nil, wrapperspb.String("late"))
	if next != 0 {
		t.Fatal("OnNext must not run after cancel")
	}
}

func TestCallCancel(t *testing.T) {
	f := newFixture(t)
	mc := f.method(t, "pico.test.EchoService/Watch")

	completed := false
	call, err := mc.Invoke(nil, Handlers{OnCompleted: func() { completed = true }})
	if err != nil {
		t.Fatal(err)
	}
	if !call.Cancel() {
		t.Fatal("expect cancel to succeed")
	}
	if call.Cancel() {
		t.Fatal("second cancel should fail")
	}
	if s, ok := call.Status(); !ok || s != codes.Canceled {
		t.Fatalf("expect Canceled, got %v %v", s, ok)
	}

	req := f.waitRequest(t, 1)
	f.respond(t, packet.EncodeStreamEnd(req, codes.OK))
	if completed {
		t.Fatal("handlers must not run after cancel")
	}

	call, err = mc.Invoke(nil, Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	if !mc.Cancel() {
		t.Fatal("expect method cancel to succeed")
	}
	if s, ok := call.Status(); !ok || s != codes.Canceled {
		t.Fatalf("method cancel should finish the call, got %v %v", s, ok)
	}
	if mc.Cancel() {
		t.Fatal("nothing left to cancel")
	}
}

func TestWrongTypes(t *testing.T) {
	f := newFixture(t)
	echo := f.method(t, "pico.test.EchoService/Echo")
	watch := f.method(t, "pico.test.EchoService/Watch")

	if _, err := echo.Invoke(&emptypb.Empty{}, Handlers{}); !errors.Is(err, ErrWrongRequestType) {
		t.Fatalf("expect ErrWrongRequestType, got %v", err)
	}
	if _, err := watch.Unary(context.Background(), nil); !errors.Is(err, ErrWrongMethodType) {
		t.Fatalf("expect ErrWrongMethodType, got %v", err)
	}
	if err := echo.ServerStream(context.Background(), nil, nil); !errors.Is(err, ErrWrongMethodType) {
		t.Fatalf("expect ErrWrongMethodType, got %v", err)
	}
	if f.out.Len() != 0 {
		t.Fatal("rejected calls must not send")
	}
}
