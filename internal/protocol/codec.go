package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer holds a partial frame; read more bytes.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrFraming means the buffer did not start with a frame header. One
	// byte was discarded.
	ErrFraming = errors.New("framing error")
	// ErrChecksum means a complete frame failed its checksum and was dropped.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrShortPayload is returned by decoders reading past the end of a frame.
	ErrShortPayload = errors.New("payload too short")
)

// Packet is an outbound host command.
type Packet struct {
	Type    byte
	Cmd     byte
	Payload []byte
}

// Encode serializes p as AA 55 <type> <len> <cmd> <payload> <checksum>.
// The length byte counts cmd, payload and checksum.
func (p Packet) Encode() []byte {
	frame := make([]byte, HeaderSize+len(p.Payload)+ChecksumSize)
	frame[0] = hostMagic0
	frame[1] = hostMagic1
	frame[2] = p.Type
	frame[3] = byte(len(p.Payload) + minLength)
	frame[4] = p.Cmd
	copy(frame[HeaderSize:], p.Payload)
	n := HeaderSize + len(p.Payload)
	binary.BigEndian.PutUint16(frame[n:], Checksum(frame[:n]))
	return frame
}

// EncodeAck builds the bare acknowledgement the host sends for every async
// frame it receives: AA 55 53 <cmd> FF <checksum>.
func EncodeAck(cmd byte) []byte {
	frame := make([]byte, AckFrameSize)
	frame[0] = hostMagic0
	frame[1] = hostMagic1
	frame[2] = TypeAsync
	frame[3] = cmd
	frame[4] = AckMarker
	binary.BigEndian.PutUint16(frame[HeaderSize:], Checksum(frame[:HeaderSize]))
	return frame
}

// Checksum is the 16-bit sum of all bytes.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return sum
}

// Frame is a decoded inbound frame.
type Frame struct {
	Type byte
	Cmd  byte
	// AckedCmd is the acknowledged command id when Cmd is AckMarker.
	AckedCmd byte
	Payload  []byte
	// Raw is the complete frame including header and checksum. Decoders
	// index into it with the offsets the dongle documents from frame start.
	Raw []byte
}

// IsAck reports whether f is a bare acknowledgement.
func (f Frame) IsAck() bool { return f.Cmd == AckMarker }

// Body returns everything after the command byte, checksum included.
func (f Frame) Body() []byte {
	if len(f.Raw) <= HeaderSize {
		return nil
	}
	return f.Raw[HeaderSize:]
}

func (f Frame) String() string {
	if f.IsAck() {
		return fmt.Sprintf("ack(%s)", CommandName(f.AckedCmd))
	}
	return fmt.Sprintf("%s %X", CommandName(f.Cmd), f.Payload)
}

// ReadFrame extracts the next frame from b.
//
// It returns ErrIncomplete (nothing consumed) when more bytes are needed,
// ErrFraming after discarding one byte when the buffer does not start with
// the inbound magic, and ErrChecksum after discarding a complete frame whose
// checksum does not match. Any other outcome consumes exactly one frame.
func ReadFrame(b *FrameBuffer) (Frame, error) {
	var hdr [HeaderSize]byte
	if !b.Peek(hdr[:]) {
		return Frame{}, ErrIncomplete
	}
	if hdr[0] != inMagic0 || hdr[1] != inMagic1 {
		b.Burn(1)
		return Frame{}, fmt.Errorf("magic %02X%02X: %w", hdr[0], hdr[1], ErrFraming)
	}

	if hdr[4] == AckMarker {
		if b.Size() < AckFrameSize {
			return Frame{}, ErrIncomplete
		}
		raw := make([]byte, AckFrameSize)
		if err := b.Dequeue(raw); err != nil {
			return Frame{}, err
		}
		return Frame{Type: hdr[2], Cmd: AckMarker, AckedCmd: hdr[3], Raw: raw}, nil
	}

	length := int(hdr[3])
	if length < minLength {
		b.Burn(1)
		return Frame{}, fmt.Errorf("length %d: %w", length, ErrFraming)
	}
	total := length + 4
	if b.Size() < total {
		return Frame{}, ErrIncomplete
	}
	raw := make([]byte, total)
	if err := b.Dequeue(raw); err != nil {
		return Frame{}, err
	}

	body := total - ChecksumSize
	want := binary.BigEndian.Uint16(raw[body:])
	if got := Checksum(raw[:body]); got != want {
		return Frame{}, fmt.Errorf("%s: got %04X want %04X: %w", CommandName(hdr[4]), got, want, ErrChecksum)
	}

	return Frame{
		Type:    hdr[2],
		Cmd:     hdr[4],
		Payload: raw[HeaderSize:body],
		Raw:     raw,
	}, nil
}

// byteAt returns b[i] or ErrShortPayload.
func byteAt(b []byte, i int) (byte, error) {
	if i < 0 || i >= len(b) {
		return 0, fmt.Errorf("offset %d of %d: %w", i, len(b), ErrShortPayload)
	}
	return b[i], nil
}

// sliceAt returns b[from:to] or ErrShortPayload.
func sliceAt(b []byte, from, to int) ([]byte, error) {
	if from < 0 || to < from || to > len(b) {
		return nil, fmt.Errorf("range [%d:%d] of %d: %w", from, to, len(b), ErrShortPayload)
	}
	return b[from:to], nil
}
