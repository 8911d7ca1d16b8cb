// Package transport carries RPC packets over a byte stream using HDLC
// framing.
//
// One Transport owns one stream. Any number of goroutines may write packets
// through Output; a single goroutine runs Serve and hands every received
// packet to a handler, normally Client.ProcessPacket:
//
//	goroutine-1 ──Output(pkt)──┐
//	goroutine-2 ──Output(pkt)──┼──→ HDLC frames ──→ peer
//	goroutine-3 ──Output(pkt)──┘
//
//	Serve:  ←── frame(address) → handler(packet)
package transport

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pico-rpc/protocol"
)

// DefaultAddress is the HDLC address RPC frames are sent to ('R').
const DefaultAddress = 82

var ErrClosed = errors.New("pico-rpc(transport): transport closed")

// Handler receives the payload of one frame. The slice is owned by the
// handler.
type Handler func(data []byte)

// Transport frames packets onto an io.ReadWriteCloser.
type Transport struct {
	conn         io.ReadWriteCloser
	address      uint64
	maxFrameSize int
	logger       *zap.Logger

	sending sync.Mutex // serializes frame writes so frames never interleave
	closed  bool       // protected by sending

	closeOnce sync.Once
}

// New creates a transport over conn.
func New(conn io.ReadWriteCloser, opts ...Option) *Transport {
	t := &Transport{
		conn:         conn,
		address:      DefaultAddress,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		logger:       zap.L().Named("transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Output writes one packet as a single frame. It matches the output
// signature of descriptor.Channel.
func (t *Transport) Output(data []byte) error {
	frame := protocol.AppendFrame(nil, t.address, data)

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, err := t.conn.Write(frame); err != nil {
		return errors.Wrap(err, "pico-rpc(transport): write")
	}
	return nil
}

// Serve reads frames until the stream ends and calls handler with each
// UI frame sent to this transport's address. Frames for other addresses,
// other frame kinds and corrupted frames are dropped. Serve returns nil on a clean end of stream
// or after Close.
func (t *Transport) Serve(handler Handler) error {
	decoder := protocol.NewDecoder(t.maxFrameSize)
	buf := make([]byte, 512)

	for {
		n, err := t.conn.Read(buf)
		for _, b := range buf[:n] {
			frame, ferr := decoder.Process(b)
			if ferr != nil {
				t.logger.Debug("dropping frame", zap.Error(ferr))
				continue
			}
			if frame == nil {
				continue
			}
			if frame.Address != t.address {
				t.logger.Debug("ignoring frame for other address", zap.Uint64("address", frame.Address))
				continue
			}
			if frame.Control != protocol.UIControl {
				t.logger.Debug("ignoring non-UI frame", zap.Uint8("control", frame.Control))
				continue
			}
			handler(append([]byte(nil), frame.Data...))
		}
		if err != nil {
			if err == io.EOF || t.isClosed() {
				return nil
			}
			return errors.Wrap(err, "pico-rpc(transport): read")
		}
	}
}

func (t *Transport) isClosed() bool {
	t.sending.Lock()
	defer t.sending.Unlock()
	return t.closed
}

// Close closes the stream, which also ends Serve.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.sending.Lock()
		t.closed = true
		t.sending.Unlock()
		err = t.conn.Close()
	})
	return err
}
