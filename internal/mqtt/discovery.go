//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

const (
	payloadOnline  = "Online"
	payloadOffline = "Offline"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/wyzesense_77A1B2C3/contact/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	PayloadAvailable    string   `json:"payload_available,omitempty"`
	PayloadNotAvailable string   `json:"payload_not_available,omitempty"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	EntityCategory      string   `json:"entity_category,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	Device              haDevice `json:"device"`
}

// entity is one HA entity exposed for a sensor.
type entity struct {
	component   string
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	stateClass  string
	category    string
	valueTmpl   string
}

// sensorDisplayName returns a display name for the sensor.
func sensorDisplayName(s protocol.Sensor, rec *store.Sensor) string {
	if rec != nil && rec.Alias != "" {
		return rec.Alias
	}
	return fmt.Sprintf("Wyze %s %s", s.Type, s.MAC)
}

// sensorIdentifier returns the unique identifier for HA device registry.
func sensorIdentifier(mac string) string {
	return "wyzesense_" + mac
}

func binaryState(field string) string {
	return fmt.Sprintf("{{ 'ON' if value_json.%s == 1 else 'OFF' }}", field)
}

func fieldValue(field string) string {
	return fmt.Sprintf("{{ value_json.%s }}", field)
}

var (
	batteryEntity = entity{"sensor", "battery", "Battery", "battery", "%", "measurement", "diagnostic", fieldValue(protocol.FieldBattery)}
	signalEntity  = entity{"sensor", "signal", "Signal", "", "", "measurement", "diagnostic", fieldValue(protocol.FieldSignal)}
)

// entitiesFor lists the entities a sensor type exposes.
func entitiesFor(t protocol.SensorType) []entity {
	var out []entity
	switch {
	case t.IsContact():
		out = append(out, entity{component: "binary_sensor", objectID: "contact", suffix: "Contact", deviceClass: "door", valueTmpl: binaryState(protocol.FieldContact)})
	case t.IsMotion():
		out = append(out, entity{component: "binary_sensor", objectID: "motion", suffix: "Motion", deviceClass: "motion", valueTmpl: binaryState(protocol.FieldMotion)})
	case t == protocol.SensorWater:
		out = append(out, entity{component: "binary_sensor", objectID: "water", suffix: "Leak", deviceClass: "moisture", valueTmpl: binaryState(protocol.FieldWater)})
	case t == protocol.SensorClimate:
		out = append(out,
			entity{component: "sensor", objectID: "temperature", suffix: "Temperature", deviceClass: "temperature", unit: "°F", stateClass: "measurement", valueTmpl: fieldValue(protocol.FieldTemperature)},
			entity{component: "sensor", objectID: "humidity", suffix: "Humidity", deviceClass: "humidity", unit: "%", stateClass: "measurement", valueTmpl: fieldValue(protocol.FieldHumidity)},
		)
	case t == protocol.SensorKeyPad:
		out = append(out,
			entity{component: "sensor", objectID: "mode", suffix: "Mode", valueTmpl: fieldValue(keyCommandTopic)},
			entity{component: "binary_sensor", objectID: "motion", suffix: "Motion", deviceClass: "motion", valueTmpl: binaryState(protocol.FieldMotion)},
		)
	}
	return append(out, batteryEntity, signalEntity)
}

// buildDiscovery generates HA discovery messages for a sensor.
func buildDiscovery(s protocol.Sensor, rec *store.Sensor, root string) []discoveryMsg {
	nodeID := sensorIdentifier(s.MAC)
	displayName := sensorDisplayName(s, rec)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Wyze",
		Model:        s.Type.String(),
		SWVersion:    fmt.Sprintf("%d", s.Version),
		Name:         displayName,
	}
	state := stateTopic(root, s, rec)

	var msgs []discoveryMsg
	for _, e := range entitiesFor(s.Type) {
		payload := haDiscovery{
			Name:                displayName + " " + e.suffix,
			UniqueID:            nodeID + "_" + e.objectID,
			StateTopic:          state,
			AvailabilityTopic:   root,
			PayloadAvailable:    payloadOnline,
			PayloadNotAvailable: payloadOffline,
			ValueTemplate:       e.valueTmpl,
			UnitOfMeasurement:   e.unit,
			DeviceClass:         e.deviceClass,
			StateClass:          e.stateClass,
			EntityCategory:      e.category,
			Device:              haDev,
		}
		if e.component == "binary_sensor" {
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.objectID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a sensor
// from HA.
func buildRemoveDiscovery(mac string) []discoveryMsg {
	nodeID := sensorIdentifier(mac)

	// Remove all possible component types.
	components := []struct{ comp, obj string }{
		{"binary_sensor", "contact"},
		{"binary_sensor", "motion"},
		{"binary_sensor", "water"},
		{"sensor", "temperature"},
		{"sensor", "humidity"},
		{"sensor", "mode"},
		{"sensor", "battery"},
		{"sensor", "signal"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
