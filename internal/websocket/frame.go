// Package websocket decodes and encodes raw RFC 6455 frames and runs the
// background reader that drains frames from an upgraded connection.
package websocket

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	gws "github.com/gorilla/websocket"
)

// MaxFramePayload caps the payload length accepted from the wire so a hostile
// length field cannot exhaust memory.
const MaxFramePayload = 16 << 20

// OpContinuation is the continuation opcode. The data and control opcodes
// are gorilla's message types.
const OpContinuation = 0

// Opcodes, by name.
var opcodeNames = map[byte]string{
	OpContinuation:    "continuation",
	gws.TextMessage:   "text",
	gws.BinaryMessage: "binary",
	gws.CloseMessage:  "close",
	gws.PingMessage:   "ping",
	gws.PongMessage:   "pong",
}

// OpcodeName returns the symbolic name of an opcode, or its number.
func OpcodeName(op byte) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return strconv.Itoa(int(op))
}

// ParseOpcode accepts an opcode name or a decimal number in 0-15.
func ParseOpcode(s string) (byte, error) {
	for op, name := range opcodeNames {
		if name == s {
			return op, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 0x0F {
		return 0, fmt.Errorf("invalid websocket opcode %q", s)
	}
	return byte(n), nil
}

// Frame is one WebSocket frame. Length is the value of the length field,
// which an outbound frame may set independently of len(Payload).
type Frame struct {
	Fin     bool
	RSV1    bool
	RSV2    bool
	RSV3    bool
	Opcode  byte
	Masked  bool
	MaskKey [4]byte
	Length  uint64
	Payload []byte

	// Received is the arrival time of a decoded frame.
	Received time.Time
}

// Header renders the frame header on one line.
func (f *Frame) Header() string {
	return fmt.Sprintf("fin=%d rsv=%d%d%d op=%s mask=%d len=%d",
		b2i(f.Fin), b2i(f.RSV1), b2i(f.RSV2), b2i(f.RSV3), OpcodeName(f.Opcode), b2i(f.Masked), f.Length)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReadFrame decodes exactly one frame from r. Masked payloads are unmasked.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	f := &Frame{
		Fin:    hdr[0]&0x80 != 0,
		RSV1:   hdr[0]&0x40 != 0,
		RSV2:   hdr[0]&0x20 != 0,
		RSV3:   hdr[0]&0x10 != 0,
		Opcode: hdr[0] & 0x0F,
		Masked: hdr[1]&0x80 != 0,
		Length: uint64(hdr[1] & 0x7F),
	}

	switch f.Length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, unexpected(err)
		}
		f.Length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, unexpected(err)
		}
		f.Length = binary.BigEndian.Uint64(ext[:])
	}
	if f.Length > MaxFramePayload {
		return nil, fmt.Errorf("frame payload of %d bytes exceeds maximum of %d", f.Length, MaxFramePayload)
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return nil, unexpected(err)
		}
	}

	f.Payload = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, unexpected(err)
	}
	if f.Masked {
		mask(f.Payload, f.MaskKey)
	}
	f.Received = time.Now()
	return f, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// AppendTo encodes the frame onto dst. The length field is written from
// f.Length as given, so it may disagree with the payload actually sent.
// A masked frame without a key gets a random one.
func (f *Frame) AppendTo(dst []byte) []byte {
	var b0 byte
	if f.Fin {
		b0 |= 0x80
	}
	if f.RSV1 {
		b0 |= 0x40
	}
	if f.RSV2 {
		b0 |= 0x20
	}
	if f.RSV3 {
		b0 |= 0x10
	}
	b0 |= f.Opcode & 0x0F

	var b1 byte
	if f.Masked {
		b1 = 0x80
	}

	switch {
	case f.Length <= 125:
		dst = append(dst, b0, b1|byte(f.Length))
	case f.Length <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(f.Length))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, f.Length)
	}

	if !f.Masked {
		return append(dst, f.Payload...)
	}
	if f.MaskKey == [4]byte{} {
		_, _ = rand.Read(f.MaskKey[:])
	}
	dst = append(dst, f.MaskKey[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	mask(dst[start:], f.MaskKey)
	return dst
}

func mask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}
