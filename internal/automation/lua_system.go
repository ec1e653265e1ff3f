//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxExecOutput = 64 << 10

// SystemConfig controls system.exec.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may run
	ExecTimeout   time.Duration // default 10s
}

// TelegramConfig holds bot credentials for telegram.send.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIBase  string // default https://api.telegram.org
}

// registerSystemModule installs the `system` global table.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, time.Now())
	}))

	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
		return 1
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		vm.logf(L.CheckString(1), L.CheckString(2))
		return 0
	}))

	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, e)
	}))

	L.SetGlobal("system", mod)
}

// registerTelegramModule installs the `telegram` global table.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return telegramSend(L, e)
	}))
	L.SetGlobal("telegram", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState, now time.Time) int {
	switch component := L.CheckString(1); component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// hourBetween reports whether hour lies in [from, to), wrapping past
// midnight when from > to.
func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

var errExecBlocked = errors.New("command not allowed")

// system.exec(cmd) returns stdout, or "" when the command is blocked or fails.
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}

	out, err := e.runAllowed(parts[0], parts[1:])
	if err != nil {
		e.logger.Warn("exec failed", "cmd", parts[0], "err", err)
		L.Push(lua.LString(""))
		return 1
	}
	L.Push(lua.LString(out))
	return 1
}

func (e *Engine) runAllowed(binary string, args []string) (string, error) {
	if !filepath.IsAbs(binary) || !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		return "", errExecBlocked
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, args...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("timeout after %s", timeout)
		}
		return "", err
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	return string(stdout), nil
}

// telegram.send(msg) posts to every configured chat in the background.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)

	cfg := e.telegramCfg
	if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot_token or chat_ids not configured")
		return 0
	}
	for _, chatID := range cfg.ChatIDs {
		go func(cid string) {
			if err := sendTelegram(cfg, cid, msg); err != nil {
				e.logger.Error("telegram send", "chat_id", cid, "err", err)
			}
		}(chatID)
	}
	return 0
}

func sendTelegram(cfg TelegramConfig, chatID, text string) error {
	base := cfg.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/bot%s/sendMessage", base, cfg.BotToken), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}
