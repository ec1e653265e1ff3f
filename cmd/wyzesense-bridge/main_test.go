package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Path != "/dev/hidraw0" || cfg.Device.Kind != "hidraw" || cfg.Device.Baud != 115200 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "wyzesense.db" || cfg.ScriptsDir != "scripts" {
		t.Errorf("web/store/scripts defaults = %q %q %q", cfg.Web.Listen, cfg.Store.Path, cfg.ScriptsDir)
	}
	if cfg.MQTT.Topic != "wyzesense" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("mqtt/log defaults = %q %q %q", cfg.MQTT.Topic, cfg.Log.Level, cfg.Log.Format)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadConfigSections(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
device:
  path: /dev/ttyUSB0
  kind: serial
  baud: 57600
engine:
  command_timeout: 2s
  default_scan_timeout: 90s
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic: home/wyze
  qos: 1
  discovery: true
redis:
  enabled: true
  addr: redis:6379
  ttl: 12h
exec:
  allowlist: [/usr/bin/true]
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Kind != "serial" || cfg.Device.Baud != 57600 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if duration(cfg.Engine.CommandTimeout) != 2*time.Second || duration(cfg.Engine.InventoryTimeout) != 0 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.MQTT.Topic != "home/wyze" || cfg.MQTT.QoS != 1 || !cfg.MQTT.Discovery {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if duration(cfg.Redis.TTL) != 12*time.Hour {
		t.Errorf("redis ttl = %q", cfg.Redis.TTL)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "device: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no device path", func(c *Config) { c.Device.Path = "" }, "device.path"},
		{"unknown kind", func(c *Config) { c.Device.Kind = "usb" }, "device.kind"},
		{"bad duration", func(c *Config) { c.Engine.CommandTimeout = "soon" }, "engine.command_timeout"},
		{"negative duration", func(c *Config) { c.Exec.Timeout = "-1s" }, "exec.timeout"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "mqtt.broker"},
		{"qos out of range", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"influx without bucket", func(c *Config) { c.Influx.Enabled = true; c.Influx.URL = "http://influx:8086" }, "influx"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true }, "nats.url"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true }, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, "{}\n"))
			if err != nil {
				t.Fatal(err)
			}
			tt.modify(cfg)
			err = cfg.validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
