package engine

import (
	"encoding/binary"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/transport"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// dongleFrame builds a dongle → host frame.
func dongleFrame(typ, cmd byte, payload []byte) []byte {
	f := []byte{0x55, 0xAA, typ, byte(len(payload) + 3), cmd}
	f = append(f, payload...)
	return binary.BigEndian.AppendUint16(f, protocol.Checksum(f))
}

func dongleAck(cmd byte) []byte {
	f := []byte{0x55, 0xAA, protocol.TypeAsync, cmd, protocol.AckMarker}
	return binary.BigEndian.AppendUint16(f, protocol.Checksum(f))
}

// eventLogFrame wraps an event-log entry in a 0x35 frame; the entry starts
// at frame offset 14.
func eventLogFrame(body []byte) []byte {
	payload := append(make([]byte, 9), body...)
	return dongleFrame(protocol.TypeAsync, protocol.CmdNotifyEventLog, payload)
}

// fakeDongle is an in-memory transport.Device that answers host commands
// the way the dongle does. Responses are delivered in small chunks to
// exercise reassembly.
type fakeDongle struct {
	mu      sync.Mutex
	sensors []protocol.Sensor
	silent  map[byte]bool
	writes  [][]byte
	// extra is called for each host command after the default handling.
	extra func(d *fakeDongle, typ, cmd byte, payload []byte)

	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	chunk     int
}

func newFakeDongle(sensors ...protocol.Sensor) *fakeDongle {
	return &fakeDongle{
		sensors: sensors,
		silent:  map[byte]bool{},
		reads:   make(chan []byte, 1024),
		closed:  make(chan struct{}),
		chunk:   5,
	}
}

func (d *fakeDongle) opener() Opener {
	return func(transport.Config, *slog.Logger) (transport.Device, error) { return d, nil }
}

func (d *fakeDongle) ReadChunk() ([]byte, error) {
	select {
	case c, ok := <-d.reads:
		if !ok {
			return nil, transport.ErrStreamClosed
		}
		return c, nil
	case <-d.closed:
		return nil, transport.ErrStreamClosed
	}
}

func (d *fakeDongle) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// push queues bytes for the host, split into chunks.
func (d *fakeDongle) push(b []byte) {
	for len(b) > 0 {
		n := d.chunk
		if n > len(b) {
			n = len(b)
		}
		d.reads <- append([]byte(nil), b[:n]...)
		b = b[n:]
	}
}

// hangUp simulates the device disappearing.
func (d *fakeDongle) hangUp() { close(d.reads) }

func (d *fakeDongle) setSensors(s ...protocol.Sensor) {
	d.mu.Lock()
	d.sensors = s
	d.mu.Unlock()
}

func (d *fakeDongle) setSilent(cmd byte, v bool) {
	d.mu.Lock()
	d.silent[cmd] = v
	d.mu.Unlock()
}

// written returns host frames with the given command id.
func (d *fakeDongle) written(cmd byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]byte
	for _, w := range d.writes {
		if len(w) > 4 && w[4] == cmd {
			out = append(out, w)
		}
	}
	return out
}

// ackedCmds returns the command ids the host acknowledged.
func (d *fakeDongle) ackedCmds() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, w := range d.writes {
		if len(w) == protocol.AckFrameSize && w[4] == protocol.AckMarker {
			out = append(out, w[3])
		}
	}
	return out
}

func (d *fakeDongle) WriteFrame(frame []byte) error {
	d.mu.Lock()
	d.writes = append(d.writes, append([]byte(nil), frame...))
	sensors := append([]protocol.Sensor(nil), d.sensors...)
	d.mu.Unlock()

	if len(frame) < protocol.AckFrameSize || frame[4] == protocol.AckMarker {
		return nil
	}
	typ, cmd := frame[2], frame[4]
	payload := frame[protocol.HeaderSize : len(frame)-protocol.ChecksumSize]

	d.mu.Lock()
	silent := d.silent[cmd]
	extra := d.extra
	d.mu.Unlock()
	if silent {
		return nil
	}

	if typ == protocol.TypeAsync {
		d.push(dongleAck(cmd))
	}
	switch cmd {
	case protocol.CmdGetDeviceType:
		d.push(dongleFrame(protocol.TypeSync, protocol.CmdDeviceTypeResp, []byte{0x01}))
	case protocol.CmdGetENR:
		d.push(dongleFrame(protocol.TypeSync, protocol.CmdGetENRResp, []byte("ENRENRENRENRENR0")))
	case protocol.CmdGetMAC:
		d.push(dongleFrame(protocol.TypeSync, protocol.CmdGetMACResp, []byte("DONGLE01")))
	case protocol.CmdGetVersion:
		d.push(dongleFrame(protocol.TypeAsync, protocol.CmdVersionResp, []byte("0.0.0.30 V1.4")))
	case protocol.CmdGetSensorCount:
		d.push(dongleFrame(protocol.TypeAsync, protocol.CmdGetSensorCountResp, []byte{byte(len(sensors))}))
	case protocol.CmdGetSensorList:
		for i, s := range sensors {
			entry := append([]byte{byte(i)}, s.MAC...)
			entry = append(entry, byte(s.Type), s.Version)
			d.push(dongleFrame(protocol.TypeAsync, protocol.CmdGetSensorListResp, entry))
		}
	case protocol.CmdDeleteSensor:
		d.push(dongleFrame(protocol.TypeAsync, protocol.CmdDeleteSensorResp, append(append([]byte(nil), payload...), 0x00)))
	case protocol.CmdSetLED:
		d.push(dongleFrame(protocol.TypeAsync, protocol.CmdSetLEDResp, []byte{0xFF}))
	case protocol.CmdStartStopScan:
		d.push(eventLogFrame([]byte{0x1C, payload[0]}))
	case protocol.CmdUpdateCC1310:
		d.push(dongleFrame(protocol.TypeSync, protocol.CmdCC1310Resp, []byte{0x00}))
	}
	if extra != nil {
		extra(d, typ, cmd, payload)
	}
	return nil
}

// recorder collects dispatched events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
