package protocol

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Command is an outbound packet together with the frame that completes it.
type Command struct {
	Packet
	Name string
}

// Matches reports whether f completes c. Async commands complete on an ack
// naming their id; sync commands complete on the response id cmd+1.
func (c Command) Matches(f Frame) bool {
	if c.Type == TypeAsync {
		return f.IsAck() && f.AckedCmd == c.Cmd
	}
	return !f.IsAck() && f.Cmd == c.Cmd+1
}

func newCommand(typ, cmd byte, payload []byte) Command {
	return Command{Packet: Packet{Type: typ, Cmd: cmd, Payload: payload}, Name: CommandName(cmd)}
}

// enrSeed is the fixed challenge the host sends to read the ENR.
var enrSeed = bytes.Repeat([]byte{0x1E}, 16)

func RequestDeviceType() Command { return newCommand(TypeSync, CmdGetDeviceType, nil) }
func RequestENR() Command        { return newCommand(TypeSync, CmdGetENR, enrSeed) }
func RequestMAC() Command        { return newCommand(TypeSync, CmdGetMAC, nil) }
func RequestRadioUpdate() Command {
	return newCommand(TypeSync, CmdUpdateCC1310, nil)
}

func RequestVersion() Command     { return newCommand(TypeAsync, CmdGetVersion, nil) }
func FinishAuth() Command         { return newCommand(TypeAsync, CmdFinishAuth, []byte{0xFF}) }
func RequestSensorCount() Command { return newCommand(TypeAsync, CmdGetSensorCount, nil) }

// RequestSensorList asks the dongle to enumerate count paired sensors.
func RequestSensorList(count byte) Command {
	return newCommand(TypeAsync, CmdGetSensorList, []byte{count})
}

// SetScan enables or disables inclusion mode.
func SetScan(enabled bool) Command {
	return newCommand(TypeAsync, CmdStartStopScan, []byte{boolByte(enabled, 0x01)})
}

func SetLED(on bool) Command {
	return newCommand(TypeAsync, CmdSetLED, []byte{boolByte(on, 0xFF)})
}

func DeleteSensor(mac string) Command {
	return newCommand(TypeAsync, CmdDeleteSensor, []byte(mac))
}

// SetSensorRandomDate is the second step of inclusion: it hands the new
// sensor a 16-byte random seed.
func SetSensorRandomDate(mac string, seed [16]byte) Command {
	payload := make([]byte, 0, len(mac)+len(seed))
	payload = append(payload, mac...)
	payload = append(payload, seed[:]...)
	return newCommand(TypeAsync, CmdSetRandomDate, payload)
}

// VerifySensor is the last inclusion step.
func VerifySensor(mac string) Command {
	payload := make([]byte, 0, len(mac)+2)
	payload = append(payload, mac...)
	payload = append(payload, 0xFF, 0x04)
	return newCommand(TypeAsync, CmdVerifySensor, payload)
}

// SyncTime answers the dongle's clock request with milliseconds since epoch.
func SyncTime(now time.Time) Command {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(now.UnixMilli()))
	return newCommand(TypeAsync, CmdSyncTimeResp, payload)
}

func boolByte(v bool, on byte) byte {
	if v {
		return on
	}
	return 0x00
}
