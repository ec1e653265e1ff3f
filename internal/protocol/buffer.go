package protocol

import (
	"errors"
	"fmt"
)

// Default FrameBuffer sizing. A hidraw report carries at most 63 payload
// bytes, so the initial capacity holds two reports; the maximum bounds memory
// when the dongle streams garbage without a recognizable magic.
const (
	DefaultBufferInitial = 0x80
	DefaultBufferMax     = 1024
)

var (
	ErrUnderflow        = errors.New("frame buffer underflow")
	ErrCapacityExceeded = errors.New("frame buffer capacity exceeded")
)

// FrameBuffer is a growable FIFO byte queue used to reassemble frames from
// arbitrarily chunked reads. It is not safe for concurrent use; the engine's
// read loop is its only owner.
type FrameBuffer struct {
	buf  []byte
	head int
	max  int
}

// NewFrameBuffer returns an empty buffer with the given initial capacity that
// refuses to grow past max bytes.
func NewFrameBuffer(initial, max int) *FrameBuffer {
	if initial <= 0 {
		initial = DefaultBufferInitial
	}
	if max < initial {
		max = initial
	}
	return &FrameBuffer{buf: make([]byte, 0, initial), max: max}
}

// Size reports the number of buffered bytes.
func (b *FrameBuffer) Size() int { return len(b.buf) - b.head }

// Queue appends p. The buffer is left unchanged when p would push it past its
// maximum capacity.
func (b *FrameBuffer) Queue(p []byte) error {
	if b.Size()+len(p) > b.max {
		return fmt.Errorf("queue %d bytes onto %d: %w", len(p), b.Size(), ErrCapacityExceeded)
	}
	if len(b.buf)+len(p) > cap(b.buf) {
		b.compact(len(p))
	}
	b.buf = append(b.buf, p...)
	return nil
}

// Peek copies the first len(dst) bytes into dst without consuming them.
// It returns false when fewer bytes are buffered.
func (b *FrameBuffer) Peek(dst []byte) bool {
	if b.Size() < len(dst) {
		return false
	}
	copy(dst, b.buf[b.head:])
	return true
}

// Dequeue copies the first len(dst) bytes into dst and consumes them.
func (b *FrameBuffer) Dequeue(dst []byte) error {
	if b.Size() < len(dst) {
		return fmt.Errorf("dequeue %d of %d bytes: %w", len(dst), b.Size(), ErrUnderflow)
	}
	copy(dst, b.buf[b.head:])
	b.advance(len(dst))
	return nil
}

// Burn discards up to n leading bytes.
func (b *FrameBuffer) Burn(n int) {
	if n > b.Size() {
		n = b.Size()
	}
	b.advance(n)
}

// Reset drops all buffered bytes.
func (b *FrameBuffer) Reset() {
	b.buf = b.buf[:0]
	b.head = 0
}

func (b *FrameBuffer) advance(n int) {
	b.head += n
	if b.head == len(b.buf) {
		b.buf = b.buf[:0]
		b.head = 0
	}
}

// compact moves live bytes to the front, growing the backing array when
// extra bytes would not fit otherwise.
func (b *FrameBuffer) compact(extra int) {
	live := b.Size()
	need := live + extra
	if need <= cap(b.buf) {
		copy(b.buf[:live], b.buf[b.head:])
		b.buf = b.buf[:live]
		b.head = 0
		return
	}
	newCap := cap(b.buf) * 2
	for newCap < need {
		newCap *= 2
	}
	if newCap > b.max {
		newCap = b.max
	}
	grown := make([]byte, live, newCap)
	copy(grown, b.buf[b.head:])
	b.buf = grown
	b.head = 0
}
