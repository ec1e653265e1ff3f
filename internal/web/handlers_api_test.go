package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine records commands and serves a fixed sensor list.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	err     error
	events  *engine.Dispatcher
	sensors []protocol.Sensor
	state   engine.DongleState
}

func (f *fakeEngine) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeEngine) SetLED(_ context.Context, on bool) error {
	return f.record(fmt.Sprintf("led %v", on))
}

func (f *fakeEngine) StartScan(_ context.Context, timeout time.Duration) error {
	return f.record("scan " + timeout.String())
}

func (f *fakeEngine) StopScan(context.Context) error                   { return f.record("stop_scan") }
func (f *fakeEngine) RefreshSensorList(context.Context) error          { return f.record("refresh") }
func (f *fakeEngine) DeleteSensor(_ context.Context, mac string) error { return f.record("delete " + mac) }
func (f *fakeEngine) RequestRadioUpdate(context.Context) error          { return f.record("radio_update") }
func (f *fakeEngine) Events() *engine.Dispatcher                       { return f.events }
func (f *fakeEngine) Sensors() []protocol.Sensor                       { return f.sensors }
func (f *fakeEngine) State() engine.DongleState                        { return f.state }

func (f *fakeEngine) Sensor(mac string) (protocol.Sensor, bool) {
	for _, s := range f.sensors {
		if s.MAC == mac {
			return s, true
		}
	}
	return protocol.Sensor{}, false
}

func (f *fakeEngine) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var (
	frontDoor = protocol.Sensor{MAC: "77A1B2C3", Type: protocol.SensorSwitchV2, Version: 2}
	hallway   = protocol.Sensor{MAC: "77000001", Type: protocol.SensorMotion, Version: 1}
)

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *store.BoltStore, *fakeEngine) {
	t.Helper()
	logger := newTestLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	events := engine.NewDispatcher(logger)
	events.Start()
	t.Cleanup(events.Close)

	eng := &fakeEngine{
		events:  events,
		sensors: []protocol.Sensor{frontDoor, hallway},
		state:   engine.DongleState{Phase: engine.PhaseReady, MAC: "77FEDCBA", Version: "0.0.0.30 V1.4 Dongle UD3U"},
	}
	srv := NewServer(eng, db, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, db, eng
}

func do(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func seedTemplate(t *testing.T, db *store.BoltStore, name string) {
	t.Helper()
	if err := db.SaveTemplate(&store.Template{
		Name:     name,
		Packages: []store.PayloadPackage{{Topic: "state", Fields: map[string]string{"open": protocol.FieldContact}}},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAPIListSensors(t *testing.T) {
	srv, db, _ := setupTestServer(t)
	if err := db.SaveSensor(&store.Sensor{MAC: frontDoor.MAC, Type: "SwitchV2", Alias: "Front door"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSensor(&store.Sensor{MAC: "77999999", Type: "Water", Alias: "Basement"}); err != nil {
		t.Fatal(err)
	}

	w := do(srv, "GET", "/api/sensors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var views []sensorView
	decode(t, w, &views)
	if len(views) != 3 {
		t.Fatalf("sensor count = %d, want 3", len(views))
	}
	want := []struct {
		mac   string
		bound bool
		alias string
	}{
		{"77000001", true, ""},
		{"77999999", false, "Basement"},
		{"77A1B2C3", true, "Front door"},
	}
	for i, w := range want {
		if views[i].MAC != w.mac || views[i].Bound != w.bound || views[i].Alias != w.alias {
			t.Errorf("views[%d] = %+v, want %+v", i, views[i], w)
		}
	}
}

func TestAPIGetSensor(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(srv, "GET", "/api/sensors/77a1b2c3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var v sensorView
	decode(t, w, &v)
	if v.MAC != frontDoor.MAC || v.Type != "SwitchV2" || v.Version != 2 || !v.Bound {
		t.Errorf("sensor = %+v", v)
	}

	if w := do(srv, "GET", "/api/sensors/77FFFFFF", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown sensor: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIUpdateSensor(t *testing.T) {
	srv, db, _ := setupTestServer(t)
	seedTemplate(t, db, "contact")

	w := do(srv, "PATCH", "/api/sensors/77A1B2C3", `{"alias":" Front door ","topics":[{"template":"contact","root":"house/front"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	rec, err := db.GetSensor(frontDoor.MAC)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Alias != "Front door" {
		t.Errorf("alias = %q", rec.Alias)
	}
	if len(rec.Topics) != 1 || rec.Topics[0].Root != "house/front" {
		t.Errorf("topics = %+v", rec.Topics)
	}
	if rec.Type != "SwitchV2" || !rec.Bound {
		t.Errorf("record created from live sensor = %+v", rec)
	}

	// Omitted fields stay as they were.
	if w := do(srv, "PATCH", "/api/sensors/77A1B2C3", `{"alias":"Porch"}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	rec, _ = db.GetSensor(frontDoor.MAC)
	if rec.Alias != "Porch" || len(rec.Topics) != 1 {
		t.Errorf("after alias-only update = %+v", rec)
	}
}

func TestAPIUpdateSensorValidation(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"unknown sensor", "/api/sensors/77FFFFFF", `{"alias":"x"}`, http.StatusNotFound},
		{"unknown template", "/api/sensors/77A1B2C3", `{"topics":[{"template":"nope"}]}`, http.StatusBadRequest},
		{"bad json", "/api/sensors/77A1B2C3", `{"alias":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(srv, "PATCH", tt.target, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIDeleteSensor(t *testing.T) {
	srv, db, eng := setupTestServer(t)
	if err := db.SaveSensor(&store.Sensor{MAC: frontDoor.MAC, Alias: "Front door"}); err != nil {
		t.Fatal(err)
	}

	if w := do(srv, "DELETE", "/api/sensors/77a1b2c3", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, err := db.GetSensor(frontDoor.MAC); err != nil {
		t.Errorf("record dropped without forget: %v", err)
	}

	if w := do(srv, "DELETE", "/api/sensors/77A1B2C3?forget=true", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, err := db.GetSensor(frontDoor.MAC); err == nil {
		t.Error("record kept after forget")
	}

	calls := eng.callList()
	if len(calls) != 2 || calls[0] != "delete 77A1B2C3" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAPIRefreshSensors(t *testing.T) {
	srv, _, eng := setupTestServer(t)

	w := do(srv, "POST", "/api/sensors/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]int
	decode(t, w, &resp)
	if resp["count"] != 2 {
		t.Errorf("count = %d, want 2", resp["count"])
	}
	if calls := eng.callList(); len(calls) != 1 || calls[0] != "refresh" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAPIDongle(t *testing.T) {
	srv, db, _ := setupTestServer(t)

	w := do(srv, "GET", "/api/dongle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]interface{}
	decode(t, w, &resp)
	if resp["phase"] != "ready" || resp["mac"] != "77FEDCBA" {
		t.Errorf("dongle = %v", resp)
	}
	if _, ok := resp["last_started"]; ok {
		t.Error("last_started without a stored record")
	}

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := db.SaveDongle(&store.Dongle{MAC: "77FEDCBA", ENR: []byte{1, 2, 3}, LastStarted: started}); err != nil {
		t.Fatal(err)
	}
	w = do(srv, "GET", "/api/dongle", "")
	resp = nil
	decode(t, w, &resp)
	if resp["last_started"] != "2026-03-01T12:00:00Z" {
		t.Errorf("last_started = %v", resp["last_started"])
	}
	if _, ok := resp["enr"]; ok {
		t.Error("enr exposed")
	}
}

func TestAPISetLED(t *testing.T) {
	srv, _, eng := setupTestServer(t)

	if w := do(srv, "POST", "/api/dongle/led", `{"on":true}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if calls := eng.callList(); len(calls) != 1 || calls[0] != "led true" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAPIRadioUpdate(t *testing.T) {
	srv, _, eng := setupTestServer(t)

	w := do(srv, "POST", "/api/dongle/radio-update", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if calls := eng.callList(); len(calls) != 1 || calls[0] != "radio_update" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAPIScan(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
		call string
	}{
		{"default timeout", "", http.StatusOK, "scan 0s"},
		{"explicit", `{"seconds":45}`, http.StatusOK, "scan 45s"},
		{"negative", `{"seconds":-1}`, http.StatusBadRequest, ""},
		{"too long", `{"seconds":3601}`, http.StatusBadRequest, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, eng := setupTestServer(t)
			w := do(srv, "POST", "/api/dongle/scan", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
			calls := eng.callList()
			if tt.call == "" && len(calls) != 0 {
				t.Errorf("calls = %v, want none", calls)
			}
			if tt.call != "" && (len(calls) != 1 || calls[0] != tt.call) {
				t.Errorf("calls = %v, want [%s]", calls, tt.call)
			}
		})
	}
}

func TestAPIStopScan(t *testing.T) {
	srv, _, eng := setupTestServer(t)

	w := do(srv, "DELETE", "/api/dongle/scan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if calls := eng.callList(); len(calls) != 1 || calls[0] != "stop_scan" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAPIEngineErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrNotRunning, http.StatusServiceUnavailable},
		{engine.ErrNotOpen, http.StatusServiceUnavailable},
		{fmt.Errorf("delete sensor: %w", engine.ErrInvalidMAC), http.StatusBadRequest},
		{fmt.Errorf("set led: %w", engine.ErrCommandTimeout), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("serial write failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv, _, eng := setupTestServer(t)
			eng.err = tt.err
			if w := do(srv, "POST", "/api/dongle/led", `{"on":false}`); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPITemplates(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(srv, "GET", "/api/templates", "")
	if w.Code != http.StatusOK || bytes.TrimSpace(w.Body.Bytes())[0] != '[' {
		t.Fatalf("empty list: status = %d, body = %s", w.Code, w.Body.String())
	}

	body := `{"name":"ignored","packages":[{"topic":"battery","fields":{"level":"Battery"}}]}`
	w = do(srv, "PUT", "/api/templates/battery", body)
	if w.Code != http.StatusOK {
		t.Fatalf("put: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(srv, "GET", "/api/templates/battery", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	var tmpl store.Template
	decode(t, w, &tmpl)
	if tmpl.Name != "battery" || len(tmpl.Packages) != 1 {
		t.Errorf("template = %+v", tmpl)
	}

	if w := do(srv, "PUT", "/api/templates/empty", `{"packages":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid template: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := do(srv, "DELETE", "/api/templates/battery", ""); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if w := do(srv, "DELETE", "/api/templates/battery", ""); w.Code != http.StatusNotFound {
		t.Errorf("delete missing: status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := do(srv, "GET", "/api/templates/battery", ""); w.Code != http.StatusNotFound {
		t.Errorf("get missing: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithVersion("1.2.3"))

	w := do(srv, "GET", "/api/version", "")
	var resp map[string]string
	decode(t, w, &resp)
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}

func TestMetricsHandler(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wyzesense_frames_total 1\n"))
	})
	srv, _, _ := setupTestServer(t, WithMetricsHandler(h), WithAPIKey("secret-key"))

	w := do(srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK || w.Body.String() != "wyzesense_frames_total 1\n" {
		t.Errorf("metrics: status = %d, body = %q", w.Code, w.Body.String())
	}

	srv, _, _ = setupTestServer(t)
	if w := do(srv, "GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("metrics without handler: status = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAPIKey("secret-key"))

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"header", "/api/sensors", "secret-key", http.StatusOK},
		{"query param", "/api/sensors?api_key=secret-key", "", http.StatusOK},
		{"missing", "/api/sensors", "", http.StatusUnauthorized},
		{"wrong key", "/api/sensors", "wrong-key", http.StatusUnauthorized},
		{"websocket", "/ws", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://dash.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		want   int
		allow  string
	}{
		{"preflight allowed", "OPTIONS", "http://dash.local", http.StatusNoContent, "http://dash.local"},
		{"preflight denied", "OPTIONS", "http://evil.example", http.StatusForbidden, ""},
		{"post allowed", "POST", "http://dash.local", http.StatusOK, "http://dash.local"},
		{"post denied", "POST", "http://evil.example", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/sensors/refresh", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allow {
				t.Errorf("allow origin = %q, want %q", got, tt.allow)
			}
		})
	}
}
