//go:build no_automation

package main

import (
	"log/slog"

	"wyzesense-bridge/internal/automation"
	"wyzesense-bridge/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ automation.Controller, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
