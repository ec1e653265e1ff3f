package transport

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// HIDRaw talks to the dongle through a Linux hidraw node. Reads and writes
// use separate handles so a blocked read never holds up a write.
type HIDRaw struct {
	path   string
	rd     *os.File
	wr     *os.File
	logger *slog.Logger

	report  [ReportSize]byte
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// OpenHIDRaw opens path for reading and writing.
func OpenHIDRaw(path string, logger *slog.Logger) (*HIDRaw, error) {
	rd, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s for read: %w", ErrDeviceOpen, path, err)
	}
	wr, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		rd.Close()
		return nil, fmt.Errorf("%w: open %s for write: %w", ErrDeviceOpen, path, err)
	}
	logger.Info("hidraw opened", "path", path)
	return &HIDRaw{path: path, rd: rd, wr: wr, logger: logger}, nil
}

func (h *HIDRaw) ReadChunk() ([]byte, error) {
	n, err := h.rd.Read(h.report[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
			return nil, ErrStreamClosed
		}
		return nil, fmt.Errorf("hidraw read %s: %w", h.path, err)
	}
	if n == 0 {
		return nil, ErrStreamClosed
	}
	return StripReport(h.report[:n]), nil
}

func (h *HIDRaw) WriteFrame(frame []byte) error {
	out, err := PrefixLength(frame)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.wr.Write(out); err != nil {
		return fmt.Errorf("hidraw write %s: %w", h.path, err)
	}
	return nil
}

// Close closes both handles. Closing the read handle unblocks a pending
// ReadChunk.
func (h *HIDRaw) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = errors.Join(h.rd.Close(), h.wr.Close())
		h.logger.Info("hidraw closed", "path", h.path)
	})
	return h.closeErr
}
