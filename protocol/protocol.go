// Package protocol implements HDLC UI framing, used to carry RPC packets
// over byte streams (serial links, sockets, pipes).
//
// A frame is delimited by flag bytes and byte-stuffed so the flag never
// appears inside it. The receiver resynchronizes on the next flag after any
// corruption.
//
// Frame format (before escaping):
//
//	 0x7E  address...  0x03     data...    FCS (4)   0x7E
//	┌────┬──────────┬───────┬────────────┬─────────┬────┐
//	│flag│ varint   │control│  payload   │ CRC-32  │flag│
//	│    │ 1..10 B  │  UI   │            │ LE, IEEE│    │
//	└────┴──────────┴───────┴────────────┴─────────┴────┘
//
// The address is an LSB-first varint whose last byte has bit 0 set. The FCS
// covers address, control and data. Bytes 0x7E and 0x7D inside the frame are
// sent as 0x7D followed by the byte XOR 0x20.
package protocol

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

const (
	Flag       byte = 0x7E
	Escape     byte = 0x7D
	EscapeMask byte = 0x20
	// UIControl is the control field of an unnumbered information frame.
	UIControl byte = 0x03

	fcsSize = 4
	// MinFrameSize is the smallest frame content: address, control and FCS.
	MinFrameSize = 1 + 1 + fcsSize
	// MaxAddressSize bounds the address varint.
	MaxAddressSize = 10
	// DefaultMaxFrameSize bounds decoded frames unless configured otherwise.
	DefaultMaxFrameSize = 1024
)

var (
	ErrBadFCS        = errors.New("pico-rpc(protocol): frame check sequence mismatch")
	ErrFrameTooShort = errors.New("pico-rpc(protocol): frame too short")
	ErrFrameTooLarge = errors.New("pico-rpc(protocol): frame exceeds decoder buffer")
	ErrBadAddress    = errors.New("pico-rpc(protocol): malformed address")
)

// Frame is one decoded HDLC frame.
type Frame struct {
	Address uint64
	Control byte
	Data    []byte
}

// AppendAddress appends the one-terminated varint encoding of address.
func AppendAddress(b []byte, address uint64) []byte {
	for {
		c := byte(address&0x7f) << 1
		address >>= 7
		if address == 0 {
			return append(b, c|0x01)
		}
		b = append(b, c)
	}
}

// ReadAddress decodes an address from the start of b and returns it with the
// number of bytes consumed.
func ReadAddress(b []byte) (uint64, int, error) {
	var address uint64
	for i := 0; i < len(b) && i < MaxAddressSize; i++ {
		// The last byte has room for bit 63 only.
		if i == MaxAddressSize-1 && b[i]>>1 > 1 {
			return 0, 0, ErrBadAddress
		}
		address |= uint64(b[i]>>1) << (7 * i)
		if b[i]&0x01 != 0 {
			return address, i + 1, nil
		}
	}
	return 0, 0, ErrBadAddress
}

// Encode writes data as one UI frame to w with a single Write call, so a
// caller holding a write lock never interleaves partial frames.
func Encode(w io.Writer, address uint64, data []byte) error {
	_, err := w.Write(AppendFrame(nil, address, data))
	return err
}

// AppendFrame appends the complete escaped UI frame to b.
func AppendFrame(b []byte, address uint64, data []byte) []byte {
	f := Frame{Address: address, Control: UIControl, Data: data}
	return f.Append(b)
}

// Append appends f as a complete escaped frame to b.
func (f *Frame) Append(b []byte) []byte {
	content := AppendAddress(make([]byte, 0, MaxAddressSize+1+len(f.Data)+fcsSize), f.Address)
	content = append(content, f.Control)
	content = append(content, f.Data...)
	content = binary.LittleEndian.AppendUint32(content, crc32.ChecksumIEEE(content))

	b = append(b, Flag)
	for _, c := range content {
		if c == Flag || c == Escape {
			b = append(b, Escape, c^EscapeMask)
			continue
		}
		b = append(b, c)
	}
	return append(b, Flag)
}

type decoderState int

const (
	stateInterFrame decoderState = iota
	stateFrame
	stateEscape
)

// Decoder turns a byte stream into frames, one byte at a time.
type Decoder struct {
	buf     []byte
	max     int
	state   decoderState
	overrun bool
}

// NewDecoder creates a decoder that accepts frames of at most maxFrameSize
// bytes after unescaping. Non-positive sizes use DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize < MinFrameSize {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{buf: make([]byte, 0, maxFrameSize), max: maxFrameSize}
}

// Process feeds one byte to the decoder. It returns a frame when b completes
// a valid one, an error when b completes an invalid one, and (nil, nil)
// otherwise. The returned frame's data is only valid until the next call.
func (d *Decoder) Process(b byte) (*Frame, error) {
	switch d.state {
	case stateInterFrame:
		if b == Flag {
			d.reset(stateFrame)
		}
		return nil, nil
	case stateEscape:
		d.state = stateFrame
		if b == Flag {
			// An escape immediately followed by a flag aborts the frame.
			d.reset(stateFrame)
			return nil, ErrFrameTooShort
		}
		d.push(b ^ EscapeMask)
		return nil, nil
	}

	switch b {
	case Flag:
		if len(d.buf) == 0 && !d.overrun {
			// Back to back flags: still between frames.
			return nil, nil
		}
		f, err := d.finish()
		d.reset(stateFrame)
		return f, err
	case Escape:
		d.state = stateEscape
	default:
		d.push(b)
	}
	return nil, nil
}

func (d *Decoder) push(b byte) {
	if len(d.buf) >= d.max {
		d.overrun = true
		return
	}
	d.buf = append(d.buf, b)
}

func (d *Decoder) reset(state decoderState) {
	d.buf = d.buf[:0]
	d.overrun = false
	d.state = state
}

func (d *Decoder) finish() (*Frame, error) {
	if d.overrun {
		return nil, ErrFrameTooLarge
	}
	if len(d.buf) < MinFrameSize {
		return nil, ErrFrameTooShort
	}

	body := d.buf[:len(d.buf)-fcsSize]
	fcs := binary.LittleEndian.Uint32(d.buf[len(d.buf)-fcsSize:])
	if crc32.ChecksumIEEE(body) != fcs {
		return nil, ErrBadFCS
	}

	address, n, err := ReadAddress(body)
	if err != nil {
		return nil, err
	}
	if n >= len(body) {
		return nil, ErrFrameTooShort
	}
	return &Frame{
		Address: address,
		Control: body[n],
		Data:    body[n+1:],
	}, nil
}

// Decode reads bytes from r until a complete valid frame arrives. Invalid
// frames are skipped. The frame data is copied and owned by the caller.
func (d *Decoder) Decode(r io.ByteReader) (*Frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		f, err := d.Process(b)
		if err != nil || f == nil {
			continue
		}
		return &Frame{
			Address: f.Address,
			Control: f.Control,
			Data:    append([]byte(nil), f.Data...),
		}, nil
	}
}
