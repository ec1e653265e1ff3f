package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memRedis stores hashes in memory.
type memRedis struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	ttls    map[string]time.Duration
	failing error
}

func newMemRedis() *memRedis {
	return &memRedis{hashes: make(map[string]map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return redis.NewIntResult(0, m.failing)
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	fields := values[0].(map[string]any)
	for k, v := range fields {
		h[k] = fmt.Sprint(v)
	}
	return redis.NewIntResult(int64(len(fields)), nil)
}

func (m *memRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (m *memRedis) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.hashes, k)
		delete(m.ttls, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

var motion = protocol.Sensor{MAC: "77BEEF01", Type: protocol.SensorMotionV2, Version: 3}

func TestShadowEvent(t *testing.T) {
	rdb := newMemRedis()
	s := newShadow(rdb, Config{TTL: time.Hour}, newTestLogger())

	at := time.Unix(1700000000, 0)
	s.handle(engine.Event{Type: engine.EventSensorEvent, Data: protocol.SensorEvent{
		Sensor:   motion,
		Category: protocol.CategoryAlarm,
		Time:     at,
		Fields: map[string]any{
			protocol.FieldMotion:  byte(1),
			protocol.FieldBattery: byte(90),
		},
	}})

	got, err := s.Get(context.Background(), motion.MAC)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := map[string]string{
		"type":                "MotionV2",
		"category":            "Alarm",
		"ts":                  "1700000000",
		protocol.FieldMotion:  "1",
		protocol.FieldBattery: "90",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if rdb.ttls["wyzesense:shadow:77BEEF01"] != time.Hour {
		t.Errorf("ttl = %v", rdb.ttls["wyzesense:shadow:77BEEF01"])
	}
}

func TestShadowSkipsPin(t *testing.T) {
	rdb := newMemRedis()
	s := newShadow(rdb, Config{KeyPrefix: "home"}, newTestLogger())
	keypad := protocol.Sensor{MAC: "77E0E0E0", Type: protocol.SensorKeyPad}

	s.handle(engine.Event{Type: engine.EventSensorEvent, Data: protocol.SensorEvent{
		Sensor: keypad,
		Fields: map[string]any{protocol.FieldPin: "1234", protocol.FieldModeName: "Away"},
	}})

	h := rdb.hashes["home:shadow:77E0E0E0"]
	if _, ok := h[protocol.FieldPin]; ok {
		t.Error("pin stored in shadow")
	}
	if h[protocol.FieldModeName] != "Away" {
		t.Errorf("mode = %q", h[protocol.FieldModeName])
	}
	if rdb.ttls["home:shadow:77E0E0E0"] != 24*time.Hour {
		t.Errorf("default ttl = %v", rdb.ttls["home:shadow:77E0E0E0"])
	}
}

func TestShadowAddRemove(t *testing.T) {
	rdb := newMemRedis()
	s := newShadow(rdb, Config{}, newTestLogger())
	d := engine.NewDispatcher(newTestLogger())
	d.Start()
	s.Attach(d)

	d.Emit(engine.Event{Type: engine.EventSensorAdded, Data: motion})
	d.Emit(engine.Event{Type: engine.EventSensorRemoved, Data: motion})
	d.Emit(engine.Event{Type: engine.EventSensorAdded, Data: protocol.Sensor{MAC: "77000002", Type: protocol.SensorWater}})
	d.Close()
	s.Close()

	if _, ok := rdb.hashes["wyzesense:shadow:77BEEF01"]; ok {
		t.Error("removed sensor still has a shadow")
	}
	h := rdb.hashes["wyzesense:shadow:77000002"]
	if h["type"] != "Water" || h["version"] != "0" {
		t.Errorf("shadow = %v", h)
	}
}

func TestShadowWriteErrorLogged(t *testing.T) {
	rdb := newMemRedis()
	rdb.failing = errors.New("connection refused")
	s := newShadow(rdb, Config{}, newTestLogger())

	s.handle(engine.Event{Type: engine.EventSensorAdded, Data: motion})
	if _, ok := rdb.ttls["wyzesense:shadow:77BEEF01"]; ok {
		t.Error("expire set after failed write")
	}
}
