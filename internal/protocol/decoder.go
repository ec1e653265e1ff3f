package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnhandled marks a frame sub-type the decoder does not understand.
	ErrUnhandled = errors.New("unhandled sub-type")
	// ErrNoEvent marks a recognized sub-type that carries no sensor event.
	ErrNoEvent = errors.New("no event")
)

// SensorResolver maps a MAC to the current sensor record. Implementations
// may correct the stored type but must not register new sensors.
type SensorResolver interface {
	ResolveOrCreate(mac string, t SensorType) Sensor
}

type transientResolver struct{}

func (transientResolver) ResolveOrCreate(mac string, t SensorType) Sensor {
	return Sensor{MAC: mac, Type: t}
}

func resolverOrDefault(r SensorResolver) SensorResolver {
	if r == nil {
		return transientResolver{}
	}
	return r
}

// Sensor alarm frame (0x19) offsets, from frame start.
const (
	alarmSubtypeOff = 0x0D
	alarmMACOff     = 0x0E
	alarmTypeOff    = 0x16
	alarmBatteryOff = 0x18
	alarmStateOff   = 0x1B
	alarmSignalOff  = 0x1E

	climateTempOff     = 0x1B
	climateHumidityOff = 0x1D
	climateSignalOff   = 0x20

	alarmSubtypeAlarm   = 0xA2
	alarmSubtypeClimate = 0xE8
)

// Keypad frame (0x55) offsets, from the byte after the command id.
const (
	keypadMACOff     = 0x01
	keypadLenOff     = 0x0A
	keypadSignalBase = 0x0B
	keypadBatteryOff = 0x0C
	keypadSubtypeOff = 0x0E
	keypadValueOff   = 0x0F

	waterExtensionOff    = 0x10
	waterHasExtensionOff = 0x11
	waterSignalOff       = 0x14

	// pinLenAdjust is subtracted from the length byte to get the digit count.
	pinLenAdjust = 6

	keypadSubtypeMode    = 0x02
	keypadSubtypeProfile = 0x06
	keypadSubtypePin     = 0x08
	keypadSubtypeMotion  = 0x0A
	keypadSubtypeAlert   = 0x0C
	keypadSubtypeWater   = 0x12
)

const macLen = 8

// DecodeSensorAlarm decodes a 0x19 frame, dispatching on its sub-type.
func DecodeSensorAlarm(raw []byte, r SensorResolver, now time.Time) (SensorEvent, error) {
	sub, err := byteAt(raw, alarmSubtypeOff)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("sensor alarm: %w", err)
	}
	switch sub {
	case alarmSubtypeAlarm:
		return DecodeAlarm(raw, r, now)
	case alarmSubtypeClimate:
		return DecodeClimate(raw, r, now)
	default:
		return SensorEvent{}, fmt.Errorf("sensor alarm 0x%02X: %w", sub, ErrUnhandled)
	}
}

// DecodeAlarm decodes a contact/motion style alarm. The state field is named
// after the resolved sensor's type.
func DecodeAlarm(raw []byte, r SensorResolver, now time.Time) (SensorEvent, error) {
	sensor, err := alarmSensor(raw, r)
	if err != nil {
		return SensorEvent{}, err
	}
	battery, err := byteAt(raw, alarmBatteryOff)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("alarm battery: %w", err)
	}
	state, err := byteAt(raw, alarmStateOff)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("alarm state: %w", err)
	}
	signal, err := byteAt(raw, alarmSignalOff)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("alarm signal: %w", err)
	}

	key := FieldState
	switch {
	case sensor.Type.IsMotion():
		key = FieldMotion
	case sensor.Type.IsContact():
		key = FieldContact
	}
	return SensorEvent{
		Sensor:   sensor,
		Category: CategoryAlarm,
		Time:     now,
		Fields: map[string]any{
			FieldBattery: battery,
			FieldSignal:  signal,
			key:          state,
		},
	}, nil
}

// DecodeClimate decodes a temperature/humidity report.
func DecodeClimate(raw []byte, r SensorResolver, now time.Time) (SensorEvent, error) {
	sensor, err := alarmSensor(raw, r)
	if err != nil {
		return SensorEvent{}, err
	}
	fields := map[string]any{}
	for _, f := range []struct {
		name string
		off  int
	}{
		{FieldTemperature, climateTempOff},
		{FieldHumidity, climateHumidityOff},
		{FieldBattery, alarmBatteryOff},
		{FieldSignal, climateSignalOff},
	} {
		v, err := byteAt(raw, f.off)
		if err != nil {
			return SensorEvent{}, fmt.Errorf("climate %s: %w", f.name, err)
		}
		fields[f.name] = v
	}
	return SensorEvent{Sensor: sensor, Category: CategoryStatus, Time: now, Fields: fields}, nil
}

func alarmSensor(raw []byte, r SensorResolver) (Sensor, error) {
	mac, err := sliceAt(raw, alarmMACOff, alarmMACOff+macLen)
	if err != nil {
		return Sensor{}, fmt.Errorf("alarm mac: %w", err)
	}
	t, err := byteAt(raw, alarmTypeOff)
	if err != nil {
		return Sensor{}, fmt.Errorf("alarm sensor type: %w", err)
	}
	return resolverOrDefault(r).ResolveOrCreate(string(mac), SensorType(t)), nil
}

// KeypadModeName names the arming mode carried in keypad mode events.
func KeypadModeName(mode int) string {
	switch mode {
	case 1:
		return "Disarmed"
	case 2:
		return "Home"
	case 3:
		return "Away"
	default:
		return fmt.Sprintf("Unknown(%d)", mode)
	}
}

// DecodeKeypadEvent decodes a 0x55 frame body (bytes after the command id),
// dispatching on its sub-type. Water sensors report through the same frame.
func DecodeKeypadEvent(body []byte, r SensorResolver, now time.Time) (SensorEvent, error) {
	sub, err := byteAt(body, keypadSubtypeOff)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("keypad: %w", err)
	}
	switch sub {
	case keypadSubtypeMode, keypadSubtypeMotion:
		return DecodeKeypad(body, r, now)
	case keypadSubtypePin:
		return DecodePin(body, r, now)
	case keypadSubtypeWater:
		return DecodeWater(body, r, now)
	case keypadSubtypeProfile, keypadSubtypeAlert:
		return SensorEvent{}, fmt.Errorf("keypad 0x%02X: %w", sub, ErrNoEvent)
	default:
		return SensorEvent{}, fmt.Errorf("keypad 0x%02X: %w", sub, ErrUnhandled)
	}
}

// DecodeKeypad decodes keypad mode changes (user action) and keypad motion
// (alarm).
func DecodeKeypad(body []byte, r SensorResolver, now time.Time) (SensorEvent, error) {
	sensor, fields, err := keypadCommon(body, r, SensorKeyPad)
	if err != nil {
		return SensorEvent{}, err
	}
	sub, _ := byteAt(body, keypadSubtypeOff)
	value, err := byteAt(body, keypadValueOff)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("keypad value: %w", err)
	}
	ev := SensorEvent{Sensor: sensor, Time: now, Fields: fields}
	if sub == keypadSubtypeMode {
		mode := int(value) + 1
		ev.Category = CategoryUserAction
		fields[FieldMode] = mode
		fields[FieldModeName] = KeypadModeName(mode)
	} else {
		ev.Category = CategoryAlarm
		fields[FieldMotion] = value
	}
	return ev, nil
}

// DecodePin decodes a PIN entry. Each digit byte is rendered in decimal and
// concatenated.
func DecodePin(body []byte, r SensorResolver, now time.Time) (SensorEvent, error) {
	sensor, fields, err := keypadCommon(body, r, SensorKeyPad)
	if err != nil {
		return SensorEvent{}, err
	}
	n := int(body[keypadLenOff]) - pinLenAdjust
	if n < 0 {
		return SensorEvent{}, fmt.Errorf("pin length %d: %w", n, ErrShortPayload)
	}
	digits, err := sliceAt(body, keypadValueOff, keypadValueOff+n)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("pin digits: %w", err)
	}
	var pin strings.Builder
	for _, d := range digits {
		pin.WriteString(strconv.Itoa(int(d)))
	}
	fields[FieldPin] = pin.String()
	return SensorEvent{Sensor: sensor, Category: CategoryUserAction, Time: now, Fields: fields}, nil
}

// DecodeWater decodes a leak sensor report.
func DecodeWater(body []byte, r SensorResolver, now time.Time) (SensorEvent, error) {
	mac, err := sliceAt(body, keypadMACOff, keypadMACOff+macLen)
	if err != nil {
		return SensorEvent{}, fmt.Errorf("water mac: %w", err)
	}
	fields := map[string]any{}
	for _, f := range []struct {
		name string
		off  int
	}{
		{FieldWater, keypadValueOff},
		{FieldExtensionWater, waterExtensionOff},
		{FieldHasExtension, waterHasExtensionOff},
		{FieldBattery, keypadBatteryOff},
		{FieldSignal, waterSignalOff},
	} {
		v, err := byteAt(body, f.off)
		if err != nil {
			return SensorEvent{}, fmt.Errorf("water %s: %w", f.name, err)
		}
		fields[f.name] = v
	}
	sensor := resolverOrDefault(r).ResolveOrCreate(string(mac), SensorWater)
	return SensorEvent{Sensor: sensor, Category: CategoryAlarm, Time: now, Fields: fields}, nil
}

// keypadCommon reads the MAC, battery and signal shared by keypad reports.
// The signal byte sits after a variable-length section whose size is stored
// at keypadLenOff.
func keypadCommon(body []byte, r SensorResolver, t SensorType) (Sensor, map[string]any, error) {
	mac, err := sliceAt(body, keypadMACOff, keypadMACOff+macLen)
	if err != nil {
		return Sensor{}, nil, fmt.Errorf("keypad mac: %w", err)
	}
	n, err := byteAt(body, keypadLenOff)
	if err != nil {
		return Sensor{}, nil, fmt.Errorf("keypad length: %w", err)
	}
	signal, err := byteAt(body, int(n)+keypadSignalBase)
	if err != nil {
		return Sensor{}, nil, fmt.Errorf("keypad signal: %w", err)
	}
	battery, err := byteAt(body, keypadBatteryOff)
	if err != nil {
		return Sensor{}, nil, fmt.Errorf("keypad battery: %w", err)
	}
	sensor := resolverOrDefault(r).ResolveOrCreate(string(mac), t)
	return sensor, map[string]any{FieldBattery: battery, FieldSignal: signal}, nil
}

// NotificationKind identifies an event-log entry.
type NotificationKind byte

const (
	NotifyAuth           NotificationKind = 0x14
	NotifyScan           NotificationKind = 0x1C
	NotifyRandomDateDone NotificationKind = 0x21
	NotifyVerified       NotificationKind = 0x23
	NotifyDeleted        NotificationKind = 0x25
	NotifySensorEvent    NotificationKind = 0xA2
	NotifyNewSensor      NotificationKind = 0xA3
)

// Notification is a decoded event-log entry. Only the fields relevant to
// Kind are set.
type Notification struct {
	Kind       NotificationKind
	AuthState  byte
	Scanning   bool
	MAC        string
	PartialMAC string
	SensorType SensorType
	Version    byte
	State      byte
	EventID    uint16
}

// Event-log frame (0x35): the entry starts at this frame offset.
const eventLogBodyOff = 14

// EventLogBody returns the event-log entry of a 0x35 frame.
func EventLogBody(raw []byte) ([]byte, error) {
	if len(raw) <= eventLogBodyOff {
		return nil, fmt.Errorf("event log: %w", ErrShortPayload)
	}
	return raw[eventLogBodyOff:], nil
}

// DecodeNotification decodes an event-log entry.
func DecodeNotification(body []byte) (Notification, error) {
	kind, err := byteAt(body, 0)
	if err != nil {
		return Notification{}, fmt.Errorf("notification: %w", err)
	}
	n := Notification{Kind: NotificationKind(kind)}
	switch n.Kind {
	case NotifyAuth:
		n.AuthState, err = byteAt(body, 1)
	case NotifyScan:
		var v byte
		v, err = byteAt(body, 1)
		n.Scanning = v == 1
	case NotifyRandomDateDone:
		// The dongle drops the last MAC byte in this entry.
		var b []byte
		b, err = sliceAt(body, 1, macLen)
		n.PartialMAC = string(b)
	case NotifyVerified, NotifyDeleted:
		n.MAC, err = notificationMAC(body)
	case NotifySensorEvent:
		if n.MAC, err = notificationMAC(body); err != nil {
			break
		}
		var b []byte
		if b, err = sliceAt(body, 9, 13); err != nil {
			break
		}
		n.SensorType = SensorType(b[0])
		n.State = b[1]
		n.EventID = binary.BigEndian.Uint16(b[2:4])
	case NotifyNewSensor:
		if n.MAC, err = notificationMAC(body); err != nil {
			break
		}
		var b []byte
		if b, err = sliceAt(body, 9, 11); err != nil {
			break
		}
		n.SensorType = SensorType(b[0])
		n.Version = b[1]
	default:
		return n, fmt.Errorf("notification 0x%02X: %w", kind, ErrUnhandled)
	}
	if err != nil {
		return Notification{}, fmt.Errorf("notification 0x%02X: %w", kind, err)
	}
	return n, nil
}

func notificationMAC(body []byte) (string, error) {
	b, err := sliceAt(body, 1, 1+macLen)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
