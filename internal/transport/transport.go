// Package transport defines the byte-level boundary to the WyzeSense dongle.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReportSize is the size of one HID report read from the dongle. The first
// byte counts the valid bytes that follow.
const ReportSize = 0x40

var (
	// ErrDeviceOpen wraps failures to open the dongle.
	ErrDeviceOpen = errors.New("device open failed")
	// ErrStreamClosed is returned by ReadChunk when the device stops
	// producing data (a zero-length read) or has been closed.
	ErrStreamClosed = errors.New("stream closed")
	// ErrFrameTooLarge is returned when an outbound frame does not fit the
	// one-byte length prefix.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Device is a duplex byte endpoint to the dongle.
type Device interface {
	// ReadChunk blocks until protocol bytes arrive. The returned slice holds
	// only protocol bytes (any transport prefix removed) and is valid until
	// the next call. It returns ErrStreamClosed once the device is gone.
	ReadChunk() ([]byte, error)
	// WriteFrame writes one encoded protocol frame.
	WriteFrame(frame []byte) error
	Close() error
}

// Kind selects a Device implementation.
type Kind string

const (
	KindHIDRaw Kind = "hidraw"
	KindSerial Kind = "serial"
)

// Config describes how to reach the dongle.
type Config struct {
	Path string
	Kind Kind
	Baud int
}

// Open opens the configured device.
func Open(cfg Config, logger *slog.Logger) (Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case KindHIDRaw, "":
		return OpenHIDRaw(cfg.Path, logger)
	case KindSerial:
		return OpenSerial(cfg.Path, cfg.Baud, logger)
	default:
		return nil, fmt.Errorf("%w: unknown device kind %q", ErrDeviceOpen, cfg.Kind)
	}
}

// StripReport returns the valid bytes of a HID report: report[1:1+report[0]],
// clamped to what was actually read.
func StripReport(report []byte) []byte {
	if len(report) == 0 {
		return nil
	}
	n := int(report[0])
	if n > len(report)-1 {
		n = len(report) - 1
	}
	return report[1 : 1+n]
}

// PrefixLength prepends the one-byte outer length the dongle expects on
// writes.
func PrefixLength(frame []byte) ([]byte, error) {
	if len(frame) > 0xFF {
		return nil, fmt.Errorf("%d bytes: %w", len(frame), ErrFrameTooLarge)
	}
	out := make([]byte, 0, len(frame)+1)
	out = append(out, byte(len(frame)))
	return append(out, frame...), nil
}
