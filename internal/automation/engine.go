//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
)

const (
	runTimeout     = 5 * time.Second
	commandTimeout = 5 * time.Second
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with wyze.on.
type luaEventHandler struct {
	eventType string
	mac       string // empty matches any sensor
	field     string // empty matches any event; otherwise the field must be present
	fn        *lua.LFunction
}

// scriptVM is a running Lua state. All access to state goes through
// commands, drained by one goroutine.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf receives wyze.log and system.log output.
	logf func(level, msg string)
}

// Engine runs one Lua VM per enabled script and feeds them engine events.
type Engine struct {
	ctrl    Controller
	manager *Manager
	logger  *slog.Logger

	systemCfg   SystemConfig
	telegramCfg TelegramConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	return &Engine{
		ctrl:        ctrl,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to engine events and loads every enabled script.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// ReloadScript restarts a script from disk. Disabled scripts are only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running lists the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM bounded by a timeout. Handlers
// the code registers are invoked once with a synthetic event so their
// actions can be tried out. Output of wyze.log and system.log is captured.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(level, msg string) {
			logMu.Lock()
			defer logMu.Unlock()
			if level != "info" {
				msg = "[" + level + "] " + msg
			}
			logs = append(logs, msg)
		},
	}
	e.register(L, vm)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = runError(err)
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.mac != "" {
			ev.RawSetString("mac", lua.LString(h.mac))
		}
		if h.field != "" {
			ev.RawSetString("field", lua.LString(h.field))
			fields := L.NewTable()
			fields.RawSetString(h.field, lua.LNumber(1))
			ev.RawSetString("fields", fields)
		}
		ev.RawSetString("value", lua.LNumber(1))
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func runError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return msg
}

// newSandbox returns a Lua state without file, OS or module loading access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) register(L *lua.LState, vm *scriptVM) {
	registerWyzeModule(L, vm, e)
	registerSystemModule(L, vm, e)
	registerTelegramModule(L, e)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	logger := e.logger.With("script", s.ID)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logf:     func(level, msg string) { logAt(logger, level, msg) },
	}
	e.register(L, vm)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

func logAt(logger *slog.Logger, level, msg string) {
	switch level {
	case "debug":
		logger.Debug("script log", "msg", msg)
	case "warn":
		logger.Warn("script log", "msg", msg)
	case "error":
		logger.Error("script log", "msg", msg)
	default:
		logger.Info("script log", "msg", msg)
	}
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// dispatchEvent queues matching handlers on each script's VM goroutine.
func (e *Engine) dispatchEvent(event engine.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event) {
				continue
			}
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, h, event) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

// eventMAC returns the sensor MAC an event concerns, if any.
func eventMAC(event engine.Event) string {
	switch d := event.Data.(type) {
	case protocol.SensorEvent:
		return d.Sensor.MAC
	case protocol.Sensor:
		return d.MAC
	}
	return ""
}

func matchesHandler(h luaEventHandler, event engine.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	if h.mac != "" && !strings.EqualFold(h.mac, eventMAC(event)) {
		return false
	}
	if h.field != "" {
		se, ok := event.Data.(protocol.SensorEvent)
		if !ok {
			return false
		}
		if _, ok := se.Fields[h.field]; !ok {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, h luaEventHandler, event engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := eventTable(L, event)
	if h.field != "" {
		if se, ok := event.Data.(protocol.SensorEvent); ok {
			ev.RawSetString("field", lua.LString(h.field))
			ev.RawSetString("value", goToLua(L, se.Fields[h.field]))
		}
	}
	if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

// eventTable converts an engine event into the table handlers receive.
func eventTable(L *lua.LState, event engine.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))

	switch d := event.Data.(type) {
	case protocol.SensorEvent:
		t.RawSetString("mac", lua.LString(d.Sensor.MAC))
		t.RawSetString("sensor_type", lua.LString(d.Sensor.Type.String()))
		t.RawSetString("category", lua.LString(string(d.Category)))
		t.RawSetString("time", lua.LNumber(d.Time.Unix()))
		fields := L.NewTable()
		for k, v := range d.Fields {
			fields.RawSetString(k, goToLua(L, v))
		}
		t.RawSetString("fields", fields)
	case protocol.Sensor:
		t.RawSetString("mac", lua.LString(d.MAC))
		t.RawSetString("sensor_type", lua.LString(d.Type.String()))
		t.RawSetString("version", lua.LNumber(d.Version))
	case engine.DongleState:
		stateInto(t, d)
	}
	return t
}

func stateInto(t *lua.LTable, st engine.DongleState) {
	t.RawSetString("phase", lua.LString(string(st.Phase)))
	t.RawSetString("led", lua.LBool(st.LEDState))
	t.RawSetString("inclusive", lua.LBool(st.Inclusive))
	t.RawSetString("dongle_mac", lua.LString(st.MAC))
	t.RawSetString("version", lua.LString(st.Version))
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
