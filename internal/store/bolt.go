package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSensors   = []byte("sensors")
	bucketTemplates = []byte("templates")
	bucketDongle    = []byte("dongle")
	keyDongle       = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSensors, bucketTemplates, bucketDongle} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func put(tx *bolt.Tx, name, key []byte, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func get(tx *bolt.Tx, name, key []byte, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s %s: %w", name, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) SaveSensor(sensor *Sensor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSensors, []byte(sensor.MAC), sensor)
	})
}

func (s *BoltStore) GetSensor(mac string) (*Sensor, error) {
	var sensor Sensor
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketSensors, []byte(mac), &sensor)
	})
	if err != nil {
		return nil, err
	}
	return &sensor, nil
}

func (s *BoltStore) UpdateSensor(mac string, fn func(s *Sensor) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var sensor Sensor
		if err := get(tx, bucketSensors, []byte(mac), &sensor); err != nil {
			return err
		}
		if err := fn(&sensor); err != nil {
			return err
		}
		return put(tx, bucketSensors, []byte(mac), &sensor)
	})
}

func (s *BoltStore) DeleteSensor(mac string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSensors)
		if err != nil {
			return err
		}
		return b.Delete([]byte(mac))
	})
}

// ListSensors returns all sensors ordered by MAC.
func (s *BoltStore) ListSensors() ([]*Sensor, error) {
	var sensors []*Sensor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensors)
		if b == nil {
			return nil
		}
		sensors = make([]*Sensor, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sensor Sensor
			if err := json.Unmarshal(v, &sensor); err != nil {
				return fmt.Errorf("sensor %s: %w", k, err)
			}
			sensors = append(sensors, &sensor)
			return nil
		})
	})
	return sensors, err
}

func (s *BoltStore) SaveTemplate(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemplates, []byte(t.Name), t)
	})
}

func (s *BoltStore) GetTemplate(name string) (*Template, error) {
	var t Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketTemplates, []byte(name), &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTemplate removes a template. Sensors still bound to it are pruned
// lazily by the MQTT bridge.
func (s *BoltStore) DeleteTemplate(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketTemplates)
		if err != nil {
			return err
		}
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("template %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) ListTemplates() ([]*Template, error) {
	var templates []*Template
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var t Template
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("template %s: %w", k, err)
			}
			templates = append(templates, &t)
			return nil
		})
	})
	return templates, err
}

func (s *BoltStore) SaveDongle(d *Dongle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Use internal storage struct to persist the ENR.
		return put(tx, bucketDongle, keyDongle, dongleStorage{
			MAC:         d.MAC,
			DeviceType:  d.DeviceType,
			Version:     d.Version,
			ENR:         d.ENR,
			LastStarted: d.LastStarted,
		})
	})
}

func (s *BoltStore) GetDongle() (*Dongle, error) {
	var st dongleStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketDongle, keyDongle, &st)
	})
	if err != nil {
		return nil, err
	}
	return &Dongle{
		MAC:         st.MAC,
		DeviceType:  st.DeviceType,
		Version:     st.Version,
		ENR:         st.ENR,
		LastStarted: st.LastStarted,
	}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
