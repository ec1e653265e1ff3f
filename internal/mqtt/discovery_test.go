//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"

	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

func TestDiscoveryContactSensor(t *testing.T) {
	rec := &store.Sensor{MAC: door.MAC, Alias: "front"}
	msgs := buildDiscovery(door, rec, "wyzesense")

	var contact *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/binary_sensor/wyzesense_77A1B2C3/contact/config" {
			contact = &msgs[i]
		}
	}
	if contact == nil {
		t.Fatal("contact discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(contact.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "front Contact" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "wyzesense_77A1B2C3_contact" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.DeviceClass != "door" {
		t.Errorf("device_class = %q", payload.DeviceClass)
	}
	if payload.StateTopic != "wyzesense/front" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "wyzesense" || payload.PayloadAvailable != "Online" || payload.PayloadNotAvailable != "Offline" {
		t.Errorf("availability = %q %q %q", payload.AvailabilityTopic, payload.PayloadAvailable, payload.PayloadNotAvailable)
	}
	if payload.Device.Model != "SwitchV2" {
		t.Errorf("device.model = %q", payload.Device.Model)
	}
}

func TestDiscoveryStateTopicWithoutAlias(t *testing.T) {
	msgs := buildDiscovery(door, nil, "wyzesense")
	var payload haDiscovery
	json.Unmarshal(msgs[0].Payload, &payload)
	if payload.StateTopic != "wyzesense/77A1B2C3" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.Name != "Wyze SwitchV2 77A1B2C3 Contact" {
		t.Errorf("name = %q", payload.Name)
	}
}

func TestDiscoveryEntitiesPerType(t *testing.T) {
	tests := []struct {
		typ  protocol.SensorType
		want []string
	}{
		{protocol.SensorSwitch, []string{"contact", "battery", "signal"}},
		{protocol.SensorMotionV2, []string{"motion", "battery", "signal"}},
		{protocol.SensorWater, []string{"water", "battery", "signal"}},
		{protocol.SensorClimate, []string{"temperature", "humidity", "battery", "signal"}},
		{protocol.SensorKeyPad, []string{"mode", "motion", "battery", "signal"}},
		{protocol.SensorType(0x42), []string{"battery", "signal"}},
	}
	for _, tt := range tests {
		got := entitiesFor(tt.typ)
		if len(got) != len(tt.want) {
			t.Errorf("%s: %d entities, want %d", tt.typ, len(got), len(tt.want))
			continue
		}
		for i, e := range got {
			if e.objectID != tt.want[i] {
				t.Errorf("%s[%d] = %s, want %s", tt.typ, i, e.objectID, tt.want[i])
			}
		}
	}
}

func TestRemoveDiscoveryCoversAllEntities(t *testing.T) {
	removed := make(map[string]bool)
	for _, m := range buildRemoveDiscovery(door.MAC) {
		if m.Payload != nil {
			t.Errorf("%s: payload not empty", m.Topic)
		}
		removed[m.Topic] = true
	}
	types := []protocol.SensorType{
		protocol.SensorSwitch, protocol.SensorMotion, protocol.SensorWater,
		protocol.SensorKeyPad, protocol.SensorClimate,
	}
	for _, typ := range types {
		s := protocol.Sensor{MAC: door.MAC, Type: typ}
		for _, m := range buildDiscovery(s, nil, "wyzesense") {
			if !removed[m.Topic] {
				t.Errorf("%s not removed", m.Topic)
			}
		}
	}
}
