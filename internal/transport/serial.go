package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	defaultBaud = 115200
	// serialPollInterval bounds how long ReadChunk blocks before checking
	// whether the port was closed.
	serialPollInterval = 200 * time.Millisecond
)

// Serial reaches the dongle's radio over a UART (a serial bridge or the
// radio's debug header). A UART has no report boundaries, so frames travel
// without the outer length prefix and reads are returned as-is.
type Serial struct {
	port     serial.Port
	portName string
	logger   *slog.Logger

	buf     [ReportSize]byte
	writeMu sync.Mutex
	closed  atomic.Bool
}

// OpenSerial opens portName at 8N1.
func OpenSerial(portName string, baud int, logger *slog.Logger) (*Serial, error) {
	if baud <= 0 {
		baud = defaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s: %w", ErrDeviceOpen, portName, err)
	}
	if err := port.SetReadTimeout(serialPollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: serial %s read timeout: %w", ErrDeviceOpen, portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	logger.Info("serial opened", "port", portName, "baud", baud)
	return &Serial{port: port, portName: portName, logger: logger}, nil
}

// ReadChunk blocks until bytes arrive. A read timeout returns zero bytes
// from the port, which is not a disconnect here; the loop polls until data
// arrives or Close is called.
func (s *Serial) ReadChunk() ([]byte, error) {
	for {
		if s.closed.Load() {
			return nil, ErrStreamClosed
		}
		n, err := s.port.Read(s.buf[:])
		if err != nil {
			if s.closed.Load() {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("serial read %s: %w", s.portName, err)
		}
		if n > 0 {
			return s.buf[:n], nil
		}
	}
}

func (s *Serial) WriteFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("serial write %s: %w", s.portName, err)
	}
	return nil
}

func (s *Serial) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("serial closed", "port", s.portName)
	return s.port.Close()
}
