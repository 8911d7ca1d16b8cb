package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"pico-rpc/discovery"
	"pico-rpc/protocol"
)

type collector struct {
	mu   sync.Mutex
	got  [][]byte
	cond chan struct{}
}

func newCollector() *collector {
	return &collector{cond: make(chan struct{}, 100)}
}

func (c *collector) handle(data []byte) {
	c.mu.Lock()
	c.got = append(c.got, data)
	c.mu.Unlock()
	c.cond <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.cond:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for packet %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.got...)
}

func pipe(t *testing.T, opts ...Option) (*Transport, *Transport) {
	t.Helper()
	a, b := net.Pipe()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ta, tb := New(a, opts...), New(b, opts...)
	t.Cleanup(func() {
		ta.Close()
		tb.Close()
	})
	return ta, tb
}

func TestOutputServe(t *testing.T) {
	ta, tb := pipe(t)
	c := newCollector()
	served := make(chan error, 1)
	go func() { served <- tb.Serve(c.handle) }()

	packets := [][]byte{[]byte("one"), {protocol.Flag, protocol.Escape}, []byte("three")}
	for _, p := range packets {
		if err := ta.Output(p); err != nil {
			t.Fatal(err)
		}
	}

	got := c.wait(t, 3)
	for i := range packets {
		if !bytes.Equal(got[i], packets[i]) {
			t.Fatalf("packet %d: expect %x, got %x", i, packets[i], got[i])
		}
	}

	ta.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("expect clean end of stream, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestConcurrentOutput(t *testing.T) {
	ta, tb := pipe(t)
	c := newCollector()
	go tb.Serve(c.handle)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := ta.Output(bytes.Repeat([]byte{byte(i)}, 64)); err != nil {
				t.Errorf("output %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for _, p := range c.wait(t, 20) {
		if len(p) != 64 || !bytes.Equal(p, bytes.Repeat(p[:1], 64)) {
			t.Fatalf("interleaved frame %x", p)
		}
	}
}

func TestOtherAddressDropped(t *testing.T) {
	a, b := net.Pipe()
	tb := New(b, WithLogger(zaptest.NewLogger(t)))
	defer tb.Close()
	c := newCollector()
	go tb.Serve(c.handle)

	var stream []byte
	stream = protocol.AppendFrame(stream, 1, []byte("not for rpc"))
	stream = protocol.AppendFrame(stream, DefaultAddress, []byte("rpc"))
	if _, err := a.Write(stream); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	got := c.wait(t, 1)
	if len(got) != 1 || string(got[0]) != "rpc" {
		t.Fatalf("unexpected packets %q", got)
	}
}

func TestNonUIFrameDropped(t *testing.T) {
	a, b := net.Pipe()
	tb := New(b, WithLogger(zaptest.NewLogger(t)))
	defer tb.Close()
	c := newCollector()
	go tb.Serve(c.handle)

	// 0x3f is SABM, an unnumbered frame that carries no information.
	other := protocol.Frame{Address: DefaultAddress, Control: 0x3f, Data: []byte("mode")}
	stream := other.Append(nil)
	stream = protocol.AppendFrame(stream, DefaultAddress, []byte("rpc"))
	if _, err := a.Write(stream); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	got := c.wait(t, 1)
	if len(got) != 1 || string(got[0]) != "rpc" {
		t.Fatalf("unexpected packets %q", got)
	}
}

func TestOutputAfterClose(t *testing.T) {
	ta, _ := pipe(t)
	ta.Close()
	if err := ta.Output([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

func TestDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	reg := discovery.NewMemoryRegistry()
	ctx := context.Background()
	if err := reg.Register(ctx, "pico.test.EchoService", discovery.Endpoint{Addr: ln.Addr().String(), Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	d := &Dialer{Registry: reg, Timeout: time.Second, Logger: zaptest.NewLogger(t)}
	tr, ep, err := d.Dial(ctx, "pico.test.EchoService")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if ep.Addr != ln.Addr().String() {
		t.Fatalf("unexpected endpoint %v", ep)
	}

	server := New(<-accepted, WithLogger(zaptest.NewLogger(t)))
	defer server.Close()
	c := newCollector()
	go server.Serve(c.handle)

	if err := tr.Output([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := c.wait(t, 1); string(got[0]) != "hello" {
		t.Fatalf("expect hello, got %q", got[0])
	}

	if _, _, err := d.Dial(ctx, "pico.test.Missing"); !errors.Is(err, discovery.ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}
