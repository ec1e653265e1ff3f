package engine

import (
	"sort"
	"sync"

	"wyzesense-bridge/internal/protocol"
)

// Registry is the authoritative set of sensors bound to the dongle. The
// engine's read path is its only writer; readers get copies.
type Registry struct {
	mu      sync.RWMutex
	sensors map[string]protocol.Sensor

	// Reconciliation state for an in-progress list enumeration.
	scan     map[string]protocol.Sensor
	expected int
	actual   int
	scanning bool
}

func NewRegistry() *Registry {
	return &Registry{sensors: make(map[string]protocol.Sensor)}
}

// Get returns the sensor with the given MAC.
func (r *Registry) Get(mac string) (protocol.Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sensors[mac]
	return s, ok
}

// All returns the registered sensors ordered by MAC.
func (r *Registry) All() []protocol.Sensor {
	r.mu.RLock()
	out := make([]protocol.Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors)
}

// Insert adds s and reports whether it was new. An existing entry is
// replaced.
func (r *Registry) Insert(s protocol.Sensor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.sensors[s.MAC]
	r.sensors[s.MAC] = s
	return !exists
}

// Remove deletes the sensor with the given MAC and returns it.
func (r *Registry) Remove(mac string) (protocol.Sensor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sensors[mac]
	if ok {
		delete(r.sensors, mac)
	}
	return s, ok
}

// ResolveOrCreate returns the registered sensor for mac with its type set to
// t, correcting the stored type when it differs. Unknown MACs yield a
// transient record that is not registered.
func (r *Registry) ResolveOrCreate(mac string, t protocol.SensorType) protocol.Sensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sensors[mac]
	if !ok {
		return protocol.Sensor{MAC: mac, Type: t}
	}
	if s.Type != t {
		s.Type = t
		r.sensors[mac] = s
	}
	return s
}

// BeginScan starts a list enumeration expecting the given number of
// entries, discarding any enumeration in progress.
func (r *Registry) BeginScan(expected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scan = make(map[string]protocol.Sensor, expected)
	r.expected = expected
	r.actual = 0
	r.scanning = true
}

// AddScanResult records one list entry and reports whether the enumeration
// is now complete. Every entry counts toward the expected total, duplicates
// included. Entries outside an enumeration are ignored.
func (r *Registry) AddScanResult(s protocol.Sensor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning {
		return false
	}
	if _, dup := r.scan[s.MAC]; !dup {
		r.scan[s.MAC] = s
	}
	r.actual++
	return r.actual == r.expected
}

// Reconcile replaces the registry contents with the completed enumeration
// and returns what changed. Sensors present in both take the enumerated
// record without being reported. Calling it without a completed enumeration
// changes nothing.
func (r *Registry) Reconcile() (removed, added []protocol.Sensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning || r.actual != r.expected {
		return nil, nil
	}
	for mac, s := range r.sensors {
		if _, ok := r.scan[mac]; !ok {
			removed = append(removed, s)
			delete(r.sensors, mac)
		}
	}
	for mac, s := range r.scan {
		old, ok := r.sensors[mac]
		switch {
		case !ok:
			added = append(added, s)
		case s.Type == 0:
			// Bare-MAC entry; keep what we already know.
			s = old
		}
		r.sensors[mac] = s
	}
	r.scan = nil
	r.scanning = false
	sortSensors(removed)
	sortSensors(added)
	return removed, added
}

func sortSensors(s []protocol.Sensor) {
	sort.Slice(s, func(i, j int) bool { return s[i].MAC < s[j].MAC })
}
