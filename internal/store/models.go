package store

import (
	"fmt"
	"time"
)

// Sensor is the persisted view of a bound sensor plus its user configuration.
type Sensor struct {
	MAC      string         `json:"mac"`
	Type     string         `json:"type"`
	Version  uint8          `json:"version"`
	Alias    string         `json:"alias,omitempty"`
	Topics   []TopicBinding `json:"topics,omitempty"`
	Bound    bool           `json:"bound"`
	AddedAt  time.Time      `json:"added_at"`
	LastSeen time.Time      `json:"last_seen"`
	Last     map[string]any `json:"last,omitempty"`
}

// TopicBinding attaches a publication template to a sensor under Root.
type TopicBinding struct {
	Template string `json:"template"`
	Root     string `json:"root,omitempty"`
}

// Template describes how a sensor event is split into MQTT publications.
type Template struct {
	Name     string           `json:"name"`
	Packages []PayloadPackage `json:"packages"`
}

// PayloadPackage is one publication: Fields maps payload keys to event
// field names.
type PayloadPackage struct {
	Topic  string            `json:"topic"`
	Fields map[string]string `json:"fields"`
}

// Validate checks that the template can be stored.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidTemplate)
	}
	if len(t.Packages) == 0 {
		return fmt.Errorf("%w: %s has no packages", ErrInvalidTemplate, t.Name)
	}
	for i, p := range t.Packages {
		if len(p.Fields) == 0 {
			return fmt.Errorf("%w: %s package %d has no fields", ErrInvalidTemplate, t.Name, i)
		}
	}
	return nil
}

// Dongle holds what was last learned about the attached dongle.
// ENR is hidden from API/JSON serialization via json:"-".
type Dongle struct {
	MAC         string    `json:"mac"`
	DeviceType  uint8     `json:"device_type"`
	Version     string    `json:"version"`
	ENR         []byte    `json:"-"`
	LastStarted time.Time `json:"last_started"`
}

// dongleStorage is the internal struct used for DB serialization,
// preserving the ENR on disk.
type dongleStorage struct {
	MAC         string    `json:"mac"`
	DeviceType  uint8     `json:"device_type"`
	Version     string    `json:"version"`
	ENR         []byte    `json:"enr,omitempty"`
	LastStarted time.Time `json:"last_started"`
}
