// Package inventory mirrors the engine's sensor registry and dongle state
// into the persistent store.
package inventory

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

// Tracker persists sensors as they are added, removed and heard from.
// Removed sensors keep their alias and topic bindings so they come back
// configured if re-paired.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastPhase engine.Phase
}

func New(st store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		logger: logger.With("component", "inventory"),
		now:    time.Now,
	}
}

// Attach subscribes the tracker to engine events and returns the
// unsubscribe function.
func (t *Tracker) Attach(d *engine.Dispatcher) func() {
	return d.OnAll(t.Handle)
}

// Handle applies one engine event to the store.
func (t *Tracker) Handle(ev engine.Event) {
	switch ev.Type {
	case engine.EventSensorAdded:
		if s, ok := ev.Data.(protocol.Sensor); ok {
			t.sensorAdded(s)
		}
	case engine.EventSensorRemoved:
		if s, ok := ev.Data.(protocol.Sensor); ok {
			t.sensorRemoved(s)
		}
	case engine.EventSensorEvent:
		if se, ok := ev.Data.(protocol.SensorEvent); ok {
			t.sensorEvent(se)
		}
	case engine.EventDongleState:
		if st, ok := ev.Data.(engine.DongleState); ok {
			t.dongleState(st)
		}
	}
}

func (t *Tracker) sensorAdded(s protocol.Sensor) {
	err := t.store.UpdateSensor(s.MAC, func(rec *store.Sensor) error {
		rec.Type = s.Type.String()
		rec.Version = s.Version
		if !rec.Bound {
			rec.AddedAt = t.now()
		}
		rec.Bound = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		err = t.store.SaveSensor(&store.Sensor{
			MAC:     s.MAC,
			Type:    s.Type.String(),
			Version: s.Version,
			Bound:   true,
			AddedAt: t.now(),
		})
	}
	if err != nil {
		t.logger.Error("save sensor", "mac", s.MAC, "err", err)
		return
	}
	t.logger.Info("sensor bound", "mac", s.MAC, "type", s.Type)
}

func (t *Tracker) sensorRemoved(s protocol.Sensor) {
	err := t.store.UpdateSensor(s.MAC, func(rec *store.Sensor) error {
		rec.Bound = false
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.logger.Error("unbind sensor", "mac", s.MAC, "err", err)
		return
	}
	t.logger.Info("sensor unbound", "mac", s.MAC)
}

func (t *Tracker) sensorEvent(ev protocol.SensorEvent) {
	last := make(map[string]any, len(ev.Fields))
	for k, v := range ev.Fields {
		last[k] = v
	}
	err := t.store.UpdateSensor(ev.Sensor.MAC, func(rec *store.Sensor) error {
		rec.LastSeen = ev.Time
		rec.Last = last
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		t.logger.Debug("event from unknown sensor", "mac", ev.Sensor.MAC)
	case err != nil:
		t.logger.Error("save sensor event", "mac", ev.Sensor.MAC, "err", err)
	}
}

// dongleState records the dongle identity each time the engine becomes
// ready.
func (t *Tracker) dongleState(st engine.DongleState) {
	t.mu.Lock()
	becameReady := st.Phase == engine.PhaseReady && t.lastPhase != engine.PhaseReady
	t.lastPhase = st.Phase
	t.mu.Unlock()
	if !becameReady {
		return
	}
	err := t.store.SaveDongle(&store.Dongle{
		MAC:         st.MAC,
		DeviceType:  st.DeviceType,
		Version:     st.Version,
		ENR:         st.ENR,
		LastStarted: t.now(),
	})
	if err != nil {
		t.logger.Error("save dongle", "err", err)
	}
}

// Sensors returns the stored sensor records, bound or not.
func (t *Tracker) Sensors() ([]*store.Sensor, error) {
	return t.store.ListSensors()
}
