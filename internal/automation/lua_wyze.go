//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerWyzeModule installs the `wyze` global table.
func registerWyzeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return wyzeOn(L, vm)
	}))

	mod.RawSetString("set_led", L.NewFunction(func(L *lua.LState) int {
		on := L.CheckBool(1)
		return wyzeCommand(L, e, "set_led", func(ctx context.Context) error {
			return e.ctrl.SetLED(ctx, on)
		})
	}))

	mod.RawSetString("start_scan", L.NewFunction(func(L *lua.LState) int {
		timeout := time.Duration(float64(L.OptNumber(1, 0)) * float64(time.Second))
		return wyzeCommand(L, e, "start_scan", func(ctx context.Context) error {
			return e.ctrl.StartScan(ctx, timeout)
		})
	}))

	mod.RawSetString("stop_scan", L.NewFunction(func(L *lua.LState) int {
		return wyzeCommand(L, e, "stop_scan", e.ctrl.StopScan)
	}))

	mod.RawSetString("refresh", L.NewFunction(func(L *lua.LState) int {
		return wyzeCommand(L, e, "refresh", e.ctrl.RefreshSensorList)
	}))

	mod.RawSetString("sensors", L.NewFunction(func(L *lua.LState) int {
		return wyzeSensors(L, e)
	}))

	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		stateInto(t, e.ctrl.State())
		L.Push(t)
		return 1
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return wyzeAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		vm.logf("info", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("wyze", mod)
}

// wyze.on(type, filter, callback). filter may carry mac and field.
func wyzeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{
		eventType: L.CheckString(1),
		fn:        L.CheckFunction(3),
	}
	filter := L.CheckTable(2)
	if v := filter.RawGetString("mac"); v != lua.LNil {
		h.mac = v.String()
	}
	if v := filter.RawGetString("field"); v != lua.LNil {
		h.field = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// wyzeCommand runs an engine command and returns true, or false and the
// error message.
func wyzeCommand(L *lua.LState, e *Engine, name string, fn func(context.Context) error) int {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		e.logger.Warn("script command failed", "cmd", name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// wyze.sensors() returns a list of {mac, type, version}.
func wyzeSensors(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, s := range e.ctrl.Sensors() {
		t := L.NewTable()
		t.RawSetString("mac", lua.LString(s.MAC))
		t.RawSetString("type", lua.LString(s.Type.String()))
		t.RawSetString("version", lua.LNumber(s.Version))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// wyze.after(seconds, callback)
func wyzeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}
