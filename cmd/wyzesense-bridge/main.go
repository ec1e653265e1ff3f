package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/inventory"
	"wyzesense-bridge/internal/metrics"
	"wyzesense-bridge/internal/natsbus"
	"wyzesense-bridge/internal/shadow"
	"wyzesense-bridge/internal/store"
	"wyzesense-bridge/internal/telemetry"
	"wyzesense-bridge/internal/transport"
	"wyzesense-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		Path string `yaml:"path"`
		Kind string `yaml:"kind"` // "hidraw" or "serial"
		Baud int    `yaml:"baud"`
	} `yaml:"device"`
	Engine struct {
		CommandTimeout     string `yaml:"command_timeout"`
		InventoryTimeout   string `yaml:"inventory_timeout"`
		DefaultScanTimeout string `yaml:"default_scan_timeout"`
	} `yaml:"engine"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled   bool   `yaml:"enabled"`
		Broker    string `yaml:"broker"`
		ClientID  string `yaml:"client_id"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		Topic     string `yaml:"topic"`
		QoS       byte   `yaml:"qos"`
		Discovery bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Influx struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval int    `yaml:"flush_interval"` // seconds
	} `yaml:"influx"`
	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
		TTL       string `yaml:"ttl"`
	} `yaml:"redis"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Device.Path == "" {
		return fmt.Errorf("device.path is required")
	}
	switch transport.Kind(c.Device.Kind) {
	case transport.KindHIDRaw, transport.KindSerial:
	default:
		return fmt.Errorf("device.kind must be hidraw or serial, got %q", c.Device.Kind)
	}
	for name, v := range map[string]string{
		"engine.command_timeout":      c.Engine.CommandTimeout,
		"engine.inventory_timeout":    c.Engine.InventoryTimeout,
		"engine.default_scan_timeout": c.Engine.DefaultScanTimeout,
		"redis.ttl":                   c.Redis.TTL,
		"exec.timeout":                c.Exec.Timeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, v)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0-2, got %d", c.MQTT.QoS)
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url and influx.bucket are required when influx is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// duration parses a validated duration field; empty means zero.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("wyzesense-bridge starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var engOpts []engine.Option
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		engOpts = append(engOpts, engine.WithMetrics(metrics.NewProm(reg)))
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	eng := engine.New(engine.Config{
		Device: transport.Config{
			Path: cfg.Device.Path,
			Kind: transport.Kind(cfg.Device.Kind),
			Baud: cfg.Device.Baud,
		},
		CommandTimeout:     duration(cfg.Engine.CommandTimeout),
		InventoryTimeout:   duration(cfg.Engine.InventoryTimeout),
		DefaultScanTimeout: duration(cfg.Engine.DefaultScanTimeout),
	}, logger, engOpts...)

	// Subscribers attach before Start so the initial inventory reaches them.
	tracker := inventory.New(db, logger)
	tracker.Attach(eng.Events())
	closers := attachSinks(eng, cfg, logger)

	if err := eng.Open(""); err != nil {
		logger.Error("open dongle", "path", cfg.Device.Path, "err", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := eng.Start(ctx); err != nil {
		logger.Error("start engine", "err", err)
		cancel()
		eng.Stop()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(eng, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if metricsHandler != nil {
		webOpts = append(webOpts, web.WithMetricsHandler(metricsHandler))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(eng, db, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(eng, db, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	eng.Stop()
	for _, c := range closers {
		c()
	}

	logger.Info("goodbye")
}

// attachSinks connects the optional event sinks and subscribes them to the
// engine. A sink that cannot connect is logged and skipped. The returned
// funcs close the connected sinks.
func attachSinks(eng *engine.Engine, cfg *Config, logger *slog.Logger) []func() {
	var closers []func()

	if cfg.Influx.Enabled {
		w, err := telemetry.Connect(telemetry.Config{
			Enabled:       true,
			URL:           cfg.Influx.URL,
			Token:         cfg.Influx.Token,
			Org:           cfg.Influx.Org,
			Bucket:        cfg.Influx.Bucket,
			BatchSize:     cfg.Influx.BatchSize,
			FlushInterval: cfg.Influx.FlushInterval,
		}, logger)
		if err != nil {
			logger.Error("influx telemetry", "err", err)
		} else {
			w.Attach(eng.Events())
			closers = append(closers, w.Close)
		}
	}

	if cfg.NATS.Enabled {
		bus, err := natsbus.Connect(natsbus.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, eng, logger)
		if err != nil {
			logger.Error("nats bus", "err", err)
		} else {
			bus.Attach(eng.Events())
			closers = append(closers, bus.Close)
		}
	}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sh, err := shadow.Connect(ctx, shadow.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       duration(cfg.Redis.TTL),
		}, logger)
		cancel()
		if err != nil {
			logger.Error("redis shadow", "err", err)
		} else {
			sh.Attach(eng.Events())
			closers = append(closers, func() {
				if err := sh.Close(); err != nil {
					logger.Warn("close redis shadow", "err", err)
				}
			})
		}
	}

	return closers
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Device.Path == "" {
		cfg.Device.Path = "/dev/hidraw0"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = string(transport.KindHIDRaw)
	}
	if cfg.Device.Baud == 0 {
		cfg.Device.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "wyzesense.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "wyzesense"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
