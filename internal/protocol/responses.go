package protocol

import "fmt"

// randomDateSuccessMax is the largest status byte the dongle reports for a
// successful SetSensorRandomDate.
const randomDateSuccessMax = 0x0C

// DecodeSensorStart parses NotifySensorStart (0x20), the first inclusion
// message for a newly paired sensor.
func DecodeSensorStart(f Frame) (Sensor, error) {
	mac, err := sliceAt(f.Raw, 6, 6+macLen)
	if err != nil {
		return Sensor{}, fmt.Errorf("sensor start mac: %w", err)
	}
	b, err := sliceAt(f.Raw, 14, 16)
	if err != nil {
		return Sensor{}, fmt.Errorf("sensor start type: %w", err)
	}
	return Sensor{MAC: string(mac), Type: SensorType(b[0]), Version: b[1]}, nil
}

// RandomDateResult is the dongle's answer to SetSensorRandomDate (0x22).
type RandomDateResult struct {
	MAC     string
	Seed    []byte
	Status  byte
	Success bool
}

func DecodeRandomDateResp(f Frame) (RandomDateResult, error) {
	mac, err := sliceAt(f.Raw, 6, 6+macLen)
	if err != nil {
		return RandomDateResult{}, fmt.Errorf("random date mac: %w", err)
	}
	seed, err := sliceAt(f.Raw, 14, 30)
	if err != nil {
		return RandomDateResult{}, fmt.Errorf("random date seed: %w", err)
	}
	status, err := byteAt(f.Raw, 30)
	if err != nil {
		return RandomDateResult{}, fmt.Errorf("random date status: %w", err)
	}
	return RandomDateResult{
		MAC:     string(mac),
		Seed:    seed,
		Status:  status,
		Success: status <= randomDateSuccessMax,
	}, nil
}

// DecodeSensorListEntry parses one GetSensorListResp (0x31) payload:
// index, MAC(8), type, version. A bare 8-byte MAC is accepted with the type
// left unknown.
func DecodeSensorListEntry(payload []byte) (Sensor, error) {
	if len(payload) == macLen {
		return Sensor{MAC: string(payload)}, nil
	}
	b, err := sliceAt(payload, 1, 1+macLen+2)
	if err != nil {
		return Sensor{}, fmt.Errorf("sensor list entry: %w", err)
	}
	return Sensor{
		MAC:     string(b[:macLen]),
		Type:    SensorType(b[macLen]),
		Version: b[macLen+1],
	}, nil
}

// DeleteResult is the dongle's answer to DeleteSensor (0x26).
type DeleteResult struct {
	MAC    string
	Status byte
}

func DecodeDeleteResp(payload []byte) (DeleteResult, error) {
	b, err := sliceAt(payload, 0, macLen+1)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete response: %w", err)
	}
	return DeleteResult{MAC: string(b[:macLen]), Status: b[macLen]}, nil
}

// DecodeCount returns the first payload byte, used by the count, device type
// and LED responses.
func DecodeCount(payload []byte) (byte, error) {
	return byteAt(payload, 0)
}

// ValidMAC reports whether mac has the 8-byte shape the dongle expects.
func ValidMAC(mac string) bool {
	if len(mac) != macLen {
		return false
	}
	for i := 0; i < len(mac); i++ {
		if mac[i] < 0x20 || mac[i] > 0x7E {
			return false
		}
	}
	return true
}
