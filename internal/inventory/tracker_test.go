package inventory

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTracker(t *testing.T) (*Tracker, *store.BoltStore) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	tr := New(st, newTestLogger())
	tr.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return tr, st
}

var door = protocol.Sensor{MAC: "77A1B2C3", Type: protocol.SensorSwitchV2, Version: 0x1B}

func TestTrackerAddRemoveKeepsConfig(t *testing.T) {
	tr, st := newTestTracker(t)

	tr.Handle(engine.Event{Type: engine.EventSensorAdded, Data: door})
	got, err := st.GetSensor(door.MAC)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Bound || got.Type != "SwitchV2" || got.Version != 0x1B {
		t.Fatalf("added = %+v", got)
	}

	err = st.UpdateSensor(door.MAC, func(s *store.Sensor) error {
		s.Alias = "front_door"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	tr.Handle(engine.Event{Type: engine.EventSensorRemoved, Data: door})
	got, _ = st.GetSensor(door.MAC)
	if got.Bound {
		t.Error("removed sensor still bound")
	}
	if got.Alias != "front_door" {
		t.Errorf("alias lost on removal: %q", got.Alias)
	}

	tr.Handle(engine.Event{Type: engine.EventSensorAdded, Data: door})
	got, _ = st.GetSensor(door.MAC)
	if !got.Bound || got.Alias != "front_door" {
		t.Errorf("re-added = %+v", got)
	}
}

func TestTrackerRecordsLastEvent(t *testing.T) {
	tr, st := newTestTracker(t)
	tr.Handle(engine.Event{Type: engine.EventSensorAdded, Data: door})

	at := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	tr.Handle(engine.Event{Type: engine.EventSensorEvent, Data: protocol.SensorEvent{
		Sensor:   door,
		Category: protocol.CategoryAlarm,
		Time:     at,
		Fields:   map[string]any{protocol.FieldContact: byte(1), protocol.FieldBattery: byte(95)},
	}})

	got, _ := st.GetSensor(door.MAC)
	if !got.LastSeen.Equal(at) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, at)
	}
	// Values come back from JSON as float64.
	if got.Last[protocol.FieldContact] != 1.0 || got.Last[protocol.FieldBattery] != 95.0 {
		t.Errorf("last = %v", got.Last)
	}
}

func TestTrackerIgnoresUnknownSensorEvents(t *testing.T) {
	tr, st := newTestTracker(t)
	tr.Handle(engine.Event{Type: engine.EventSensorEvent, Data: protocol.SensorEvent{
		Sensor: protocol.Sensor{MAC: "77FFFFFF"},
		Fields: map[string]any{},
	}})
	if _, err := st.GetSensor("77FFFFFF"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown sensor stored: err = %v", err)
	}
}

func TestTrackerSavesDongleOnReady(t *testing.T) {
	tr, st := newTestTracker(t)

	tr.Handle(engine.Event{Type: engine.EventDongleState, Data: engine.DongleState{Phase: engine.PhaseHandshaking}})
	if _, err := st.GetDongle(); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("dongle saved before ready: %v", err)
	}

	tr.Handle(engine.Event{Type: engine.EventDongleState, Data: engine.DongleState{
		Phase:   engine.PhaseReady,
		MAC:     "DONGLE01",
		Version: "0.0.0.30 V1.4",
		ENR:     []byte("ENRENRENRENRENR0"),
	}})
	got, err := st.GetDongle()
	if err != nil {
		t.Fatal(err)
	}
	if got.MAC != "DONGLE01" || got.Version != "0.0.0.30 V1.4" || string(got.ENR) != "ENRENRENRENRENR0" {
		t.Errorf("dongle = %+v", got)
	}
}

func TestTrackerAttach(t *testing.T) {
	tr, st := newTestTracker(t)
	d := engine.NewDispatcher(newTestLogger())
	d.Start()
	unsub := tr.Attach(d)
	d.Emit(engine.Event{Type: engine.EventSensorAdded, Data: door})
	d.Close()
	unsub()

	if _, err := st.GetSensor(door.MAC); err != nil {
		t.Errorf("sensor not stored via dispatcher: %v", err)
	}
}
