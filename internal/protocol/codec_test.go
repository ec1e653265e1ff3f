package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// inFrame builds an inbound (dongle → host) frame.
func inFrame(typ, cmd byte, payload []byte) []byte {
	f := []byte{inMagic0, inMagic1, typ, byte(len(payload) + 3), cmd}
	f = append(f, payload...)
	return binary.BigEndian.AppendUint16(f, Checksum(f))
}

// inAck builds an inbound bare ack for cmd.
func inAck(cmd byte) []byte {
	f := []byte{inMagic0, inMagic1, TypeAsync, cmd, AckMarker}
	return binary.BigEndian.AppendUint16(f, Checksum(f))
}

// drain reads every complete frame from b, ignoring framing errors.
func drain(t *testing.T, b *FrameBuffer) []Frame {
	t.Helper()
	var out []Frame
	for {
		f, err := ReadFrame(b)
		switch {
		case err == nil:
			out = append(out, f)
		case errors.Is(err, ErrIncomplete):
			return out
		case errors.Is(err, ErrFraming), errors.Is(err, ErrChecksum):
			continue
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestPacketEncode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"led on", SetLED(true), []byte{0xAA, 0x55, 0x53, 0x04, 0x3D, 0xFF, 0x02, 0x92}},
		{"led off", SetLED(false), []byte{0xAA, 0x55, 0x53, 0x04, 0x3D, 0x00, 0x01, 0x93}},
		{"get mac", RequestMAC(), []byte{0xAA, 0x55, 0x43, 0x03, 0x04, 0x01, 0x49}},
		{"sensor list", RequestSensorList(3), []byte{0xAA, 0x55, 0x53, 0x04, 0x30, 0x03, 0x01, 0x89}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cmd.Encode()
			if !bytes.Equal(got, tt.want) {
				t.Errorf("encode = %X, want %X", got, tt.want)
			}
		})
	}
}

func TestEncodeAck(t *testing.T) {
	got := EncodeAck(0x19)
	want := []byte{0xAA, 0x55, 0x53, 0x19, 0xFF, 0x02, 0x6A}
	if !bytes.Equal(got, want) {
		t.Errorf("ack = %X, want %X", got, want)
	}
}

func TestRequestENRPayload(t *testing.T) {
	c := RequestENR()
	if c.Type != TypeSync || c.Cmd != CmdGetENR {
		t.Fatalf("type/cmd = %02X/%02X", c.Type, c.Cmd)
	}
	if len(c.Payload) != 16 || !bytes.Equal(c.Payload, bytes.Repeat([]byte{0x1E}, 16)) {
		t.Errorf("payload = %X", c.Payload)
	}
}

func TestReadFrameData(t *testing.T) {
	b := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
	b.Queue(inFrame(TypeAsync, CmdVersionResp, []byte("0.0.0.30")))
	f, err := ReadFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if f.Cmd != CmdVersionResp || f.Type != TypeAsync {
		t.Errorf("frame = %v", f)
	}
	if string(f.Payload) != "0.0.0.30" {
		t.Errorf("payload = %q", f.Payload)
	}
	if b.Size() != 0 {
		t.Errorf("leftover %d bytes", b.Size())
	}
}

func TestReadFrameAckConsumesSevenBytes(t *testing.T) {
	b := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
	b.Queue(inAck(CmdSetLED))
	b.Queue([]byte{0x01})

	f, err := ReadFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if !f.IsAck() || f.AckedCmd != CmdSetLED {
		t.Errorf("frame = %+v", f)
	}
	if b.Size() != 1 {
		t.Errorf("size = %d, want 1 trailing byte", b.Size())
	}
}

func TestReadFrameIncomplete(t *testing.T) {
	full := inFrame(TypeSync, CmdGetMACResp, []byte("ABCDEFGH"))
	b := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
	b.Queue(full[:len(full)-1])
	if _, err := ReadFrame(b); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
	if b.Size() != len(full)-1 {
		t.Error("incomplete read consumed bytes")
	}
	b.Queue(full[len(full)-1:])
	if _, err := ReadFrame(b); err != nil {
		t.Fatal(err)
	}
}

func TestReadFrameResyncsOneByteAtATime(t *testing.T) {
	garbage := []byte{0x00, 0x55, 0x13, 0xAA, 0x55}
	b := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
	b.Queue(garbage)
	b.Queue(inFrame(TypeSync, CmdDeviceTypeResp, []byte{0x01}))

	resyncs := 0
	for {
		f, err := ReadFrame(b)
		if errors.Is(err, ErrFraming) {
			resyncs++
			continue
		}
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if f.Cmd != CmdDeviceTypeResp {
			t.Errorf("cmd = %02X", f.Cmd)
		}
		break
	}
	if resyncs != len(garbage) {
		t.Errorf("resyncs = %d, want %d", resyncs, len(garbage))
	}
}

func TestReadFrameChecksumMismatch(t *testing.T) {
	bad := inFrame(TypeAsync, CmdGetSensorCountResp, []byte{0x02})
	bad[len(bad)-1] ^= 0xFF
	b := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
	b.Queue(bad)
	b.Queue(inFrame(TypeAsync, CmdGetSensorCountResp, []byte{0x03}))

	if _, err := ReadFrame(b); !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
	f, err := ReadFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if f.Payload[0] != 0x03 {
		t.Errorf("payload = %X", f.Payload)
	}
}

func TestReadFrameShortLengthIsFraming(t *testing.T) {
	b := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
	b.Queue([]byte{0x55, 0xAA, 0x53, 0x01, 0x10, 0x00, 0x00})
	if _, err := ReadFrame(b); !errors.Is(err, ErrFraming) {
		t.Fatalf("err = %v, want ErrFraming", err)
	}
}

func TestReadFrameChunkingIndependence(t *testing.T) {
	var stream []byte
	stream = append(stream, inFrame(TypeAsync, CmdGetSensorCountResp, []byte{0x02})...)
	stream = append(stream, inAck(CmdGetSensorList)...)
	stream = append(stream, 0x13, 0x37)
	stream = append(stream, inFrame(TypeAsync, CmdGetSensorListResp, []byte{0x00, 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 0x01, 0x17})...)
	stream = append(stream, inFrame(TypeSync, CmdGetMACResp, []byte("77A1B2C3"))...)

	whole := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
	whole.Queue(stream)
	want := drain(t, whole)
	if len(want) != 4 {
		t.Fatalf("frames = %d, want 4", len(want))
	}

	for chunk := 1; chunk <= len(stream); chunk++ {
		b := NewFrameBuffer(DefaultBufferInitial, DefaultBufferMax)
		var got []Frame
		for i := 0; i < len(stream); i += chunk {
			end := i + chunk
			if end > len(stream) {
				end = len(stream)
			}
			if err := b.Queue(stream[i:end]); err != nil {
				t.Fatal(err)
			}
			got = append(got, drain(t, b)...)
		}
		if len(got) != len(want) {
			t.Fatalf("chunk %d: frames = %d, want %d", chunk, len(got), len(want))
		}
		for i := range got {
			if !bytes.Equal(got[i].Raw, want[i].Raw) {
				t.Errorf("chunk %d frame %d: %X != %X", chunk, i, got[i].Raw, want[i].Raw)
			}
		}
	}
}

func TestCommandMatches(t *testing.T) {
	tests := []struct {
		name  string
		cmd   Command
		frame Frame
		want  bool
	}{
		{"async ack same id", SetLED(true), Frame{Cmd: AckMarker, AckedCmd: CmdSetLED}, true},
		{"async ack other id", SetLED(true), Frame{Cmd: AckMarker, AckedCmd: CmdGetVersion}, false},
		{"async response is not ack", SetLED(true), Frame{Cmd: CmdSetLEDResp}, false},
		{"sync response", RequestMAC(), Frame{Cmd: CmdGetMACResp}, true},
		{"sync other response", RequestMAC(), Frame{Cmd: CmdGetENRResp}, false},
		{"sync ignores ack", RequestMAC(), Frame{Cmd: AckMarker, AckedCmd: CmdGetMAC}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Matches(tt.frame); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncTimePayload(t *testing.T) {
	now := time.UnixMilli(0x0102030405)
	c := SyncTime(now)
	want := []byte{0, 0, 0, 0x01, 0x02, 0x03, 0x04, 0x05}
	if c.Cmd != CmdSyncTimeResp || !bytes.Equal(c.Payload, want) {
		t.Errorf("sync time = %02X %X", c.Cmd, c.Payload)
	}
}

func TestVerifyAndRandomDatePayloads(t *testing.T) {
	v := VerifySensor("77A1B2C3")
	if !bytes.Equal(v.Payload, append([]byte("77A1B2C3"), 0xFF, 0x04)) {
		t.Errorf("verify payload = %X", v.Payload)
	}
	var seed [16]byte
	seed[0] = 0x42
	r := SetSensorRandomDate("77A1B2C3", seed)
	if len(r.Payload) != 24 || r.Payload[8] != 0x42 {
		t.Errorf("random date payload = %X", r.Payload)
	}
}
