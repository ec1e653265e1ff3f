//go:build !no_automation

package automation

import "time"

// ScriptMeta is the JSON header stored on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk as <id>.lua.
type Script struct {
	ID        string     `json:"id"`
	Meta      ScriptMeta `json:"meta"`
	LuaCode   string     `json:"lua_code"`
	UpdatedAt time.Time  `json:"updated_at"`
	FilePath  string     `json:"-"`
}
