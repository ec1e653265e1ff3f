package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownSensorType is returned when a sensor type name cannot be parsed.
var ErrUnknownSensorType = errors.New("unknown sensor type name")

// SensorType is the raw type byte a sensor reports. Unknown values are kept
// as-is so they can be surfaced and corrected later.
type SensorType byte

const (
	SensorSwitch   SensorType = 0x01
	SensorMotion   SensorType = 0x02
	SensorWater    SensorType = 0x03
	SensorKeyPad   SensorType = 0x05
	SensorClimate  SensorType = 0x07
	SensorSwitchV2 SensorType = 0x0E
	SensorMotionV2 SensorType = 0x0F
)

func (t SensorType) String() string {
	switch t {
	case SensorSwitch:
		return "Switch"
	case SensorMotion:
		return "Motion"
	case SensorWater:
		return "Water"
	case SensorKeyPad:
		return "KeyPad"
	case SensorClimate:
		return "Climate"
	case SensorSwitchV2:
		return "SwitchV2"
	case SensorMotionV2:
		return "MotionV2"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(t))
	}
}

// MarshalText renders the type by name for JSON and YAML encoders.
func (t SensorType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the names String produces, including the
// Unknown(0xNN) form.
func (t *SensorType) UnmarshalText(text []byte) error {
	name := string(text)
	for _, known := range knownSensorTypes {
		if name == known.String() {
			*t = known
			return nil
		}
	}
	hex, ok := strings.CutPrefix(name, "Unknown(0x")
	if ok {
		hex, ok = strings.CutSuffix(hex, ")")
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSensorType, name)
	}
	raw, err := strconv.ParseUint(hex, 16, 8)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownSensorType, name)
	}
	*t = SensorType(raw)
	return nil
}

var knownSensorTypes = []SensorType{
	SensorSwitch, SensorMotion, SensorWater, SensorKeyPad,
	SensorClimate, SensorSwitchV2, SensorMotionV2,
}

// IsContact reports whether t is a door/window contact sensor.
func (t SensorType) IsContact() bool { return t == SensorSwitch || t == SensorSwitchV2 }

// IsMotion reports whether t is a PIR motion sensor.
func (t SensorType) IsMotion() bool { return t == SensorMotion || t == SensorMotionV2 }

// Sensor is a device paired with the dongle. MAC is the 8-character ASCII
// identifier the dongle uses; it is opaque to the engine.
type Sensor struct {
	MAC     string     `json:"mac"`
	Type    SensorType `json:"type"`
	Version byte       `json:"version"`
}

// Category classifies a decoded sensor event.
type Category string

const (
	CategoryAlarm      Category = "Alarm"
	CategoryStatus     Category = "Status"
	CategoryUserAction Category = "UserAction"
)

// Event field names.
const (
	FieldBattery        = "Battery"
	FieldSignal         = "Signal"
	FieldContact        = "Contact"
	FieldMotion         = "Motion"
	FieldState          = "State"
	FieldTemperature    = "Temperature"
	FieldHumidity       = "Humidity"
	FieldMode           = "Mode"
	FieldModeName       = "ModeName"
	FieldPin            = "Pin"
	FieldWater          = "Water"
	FieldExtensionWater = "ExtensionWater"
	FieldHasExtension   = "HasExtension"
)

// SensorEvent is a decoded sensor report. It is never mutated after decode.
type SensorEvent struct {
	Sensor   Sensor         `json:"sensor"`
	Category Category       `json:"category"`
	Time     time.Time      `json:"time"`
	Fields   map[string]any `json:"fields"`
}
