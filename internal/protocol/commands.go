package protocol

import "fmt"

// Frame layout constants.
const (
	// Inbound frames start 55 AA; host frames start AA 55.
	inMagic0   = 0x55
	inMagic1   = 0xAA
	hostMagic0 = 0xAA
	hostMagic1 = 0x55

	HeaderSize   = 5 // magic(2) + type(1) + length(1) + cmd(1)
	ChecksumSize = 2
	AckFrameSize = HeaderSize + ChecksumSize

	// AckMarker in the command position marks a bare acknowledgement; the
	// length position then carries the acknowledged command id.
	AckMarker = 0xFF

	// minLength covers cmd(1) + checksum(2); the length byte counts those
	// plus the payload.
	minLength = 3
)

// Packet types.
const (
	TypeSync  byte = 0x43
	TypeAsync byte = 0x53
)

// Host → dongle command ids and dongle → host responses/notifications.
// A synchronous command's response id is the command id plus one.
const (
	CmdGetENR         byte = 0x02
	CmdGetENRResp     byte = 0x03
	CmdGetMAC         byte = 0x04
	CmdGetMACResp     byte = 0x05
	CmdGetDeviceType  byte = 0x10
	CmdDeviceTypeResp byte = 0x11
	CmdUpdateCC1310   byte = 0x12
	CmdCC1310Resp     byte = 0x13

	CmdFinishAuth         byte = 0x14
	CmdFinishAuthResp     byte = 0x15
	CmdGetVersion         byte = 0x16
	CmdVersionResp        byte = 0x17
	CmdSensorAlarm        byte = 0x19
	CmdStartStopScan      byte = 0x1C
	CmdStartStopScanResp  byte = 0x1D
	CmdNotifySensorStart  byte = 0x20
	CmdSetRandomDate      byte = 0x21
	CmdSetRandomDateResp  byte = 0x22
	CmdVerifySensor       byte = 0x23
	CmdVerifySensorResp   byte = 0x24
	CmdDeleteSensor       byte = 0x25
	CmdDeleteSensorResp   byte = 0x26
	CmdGetSensorCount     byte = 0x2E
	CmdGetSensorCountResp byte = 0x2F
	CmdGetSensorList      byte = 0x30
	CmdGetSensorListResp  byte = 0x31
	CmdRequestSyncTime    byte = 0x32
	CmdSyncTimeResp       byte = 0x33
	CmdNotifyEventLog     byte = 0x35
	CmdSetLED             byte = 0x3D
	CmdSetLEDResp         byte = 0x3E
	CmdKeypadEvent        byte = 0x55
)

// CommandName returns a human-readable name for a command id.
func CommandName(id byte) string {
	switch id {
	case CmdGetENR:
		return "GetENR"
	case CmdGetENRResp:
		return "GetENRResp"
	case CmdGetMAC:
		return "GetMAC"
	case CmdGetMACResp:
		return "GetMACResp"
	case CmdGetDeviceType:
		return "GetDeviceType"
	case CmdDeviceTypeResp:
		return "DeviceTypeResp"
	case CmdUpdateCC1310:
		return "UpdateCC1310"
	case CmdCC1310Resp:
		return "CC1310Resp"
	case CmdFinishAuth:
		return "FinishAuth"
	case CmdFinishAuthResp:
		return "FinishAuthResp"
	case CmdGetVersion:
		return "GetVersion"
	case CmdVersionResp:
		return "VersionResp"
	case CmdSensorAlarm:
		return "NotifySensorAlarm"
	case CmdStartStopScan:
		return "StartStopScan"
	case CmdStartStopScanResp:
		return "StartStopScanResp"
	case CmdNotifySensorStart:
		return "NotifySensorStart"
	case CmdSetRandomDate:
		return "SetSensorRandomDate"
	case CmdSetRandomDateResp:
		return "SetSensorRandomDateResp"
	case CmdVerifySensor:
		return "VerifySensor"
	case CmdVerifySensorResp:
		return "VerifySensorResp"
	case CmdDeleteSensor:
		return "DeleteSensor"
	case CmdDeleteSensorResp:
		return "DeleteSensorResp"
	case CmdGetSensorCount:
		return "GetSensorCount"
	case CmdGetSensorCountResp:
		return "GetSensorCountResp"
	case CmdGetSensorList:
		return "GetSensorList"
	case CmdGetSensorListResp:
		return "GetSensorListResp"
	case CmdRequestSyncTime:
		return "RequestSyncTime"
	case CmdSyncTimeResp:
		return "SyncTimeResp"
	case CmdNotifyEventLog:
		return "NotifyEventLog"
	case CmdSetLED:
		return "SetLED"
	case CmdSetLEDResp:
		return "SetLEDResp"
	case CmdKeypadEvent:
		return "KeypadEvent"
	case AckMarker:
		return "Ack"
	default:
		return fmt.Sprintf("0x%02X", id)
	}
}
