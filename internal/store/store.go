package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrInvalidTemplate is returned when a template fails validation.
var ErrInvalidTemplate = errors.New("invalid template")

// Store defines the persistence interface.
type Store interface {
	// Sensor operations
	SaveSensor(s *Sensor) error
	GetSensor(mac string) (*Sensor, error)
	DeleteSensor(mac string) error
	ListSensors() ([]*Sensor, error)

	// UpdateSensor atomically reads, modifies, and saves a sensor in a single
	// transaction. Returns ErrNotFound if the sensor does not exist.
	UpdateSensor(mac string, fn func(s *Sensor) error) error

	// Publication templates
	SaveTemplate(t *Template) error
	GetTemplate(name string) (*Template, error)
	DeleteTemplate(name string) error
	ListTemplates() ([]*Template, error)

	// Dongle record
	SaveDongle(d *Dongle) error
	GetDongle() (*Dongle, error)

	// Close the store
	Close() error
}
