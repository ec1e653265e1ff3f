//go:build no_mqtt

package main

import (
	"log/slog"

	"wyzesense-bridge/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ any, _ store.Store, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
