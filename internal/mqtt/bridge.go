//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"wyzesense-bridge/internal/control"
	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
	Discovery bool
}

// Engine is what the bridge needs from the protocol engine.
type Engine interface {
	control.Controller
	Events() *engine.Dispatcher
	Sensors() []protocol.Sensor
}

// Bridge publishes sensor events to MQTT and accepts bridge commands.
type Bridge struct {
	client    pahomqtt.Client
	eng       Engine
	store     store.Store
	root      string
	qos       byte
	discovery bool
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	// pub is replaced in tests.
	pub func(topic string, payload []byte, retained bool)
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(eng Engine, st store.Store, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(eng, st, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wyzesense-bridge"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.root, payloadOffline, cfg.QoS, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.root, []byte(payloadOnline), true)
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The client must be set before Connect; the connect handler uses it.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(eng Engine, st store.Store, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		eng:       eng,
		store:     st,
		root:      cfg.Topic,
		qos:       cfg.QoS,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.pub = b.publish
	return b
}

// Start subscribes to engine events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.eng.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "topic", b.root)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.root, []byte(payloadOffline), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event engine.Event) {
	switch event.Type {
	case engine.EventSensorEvent:
		if ev, ok := event.Data.(protocol.SensorEvent); ok {
			b.handleSensorEvent(ev)
		}
	case engine.EventSensorAdded:
		if s, ok := event.Data.(protocol.Sensor); ok && b.discovery {
			b.publishSensorDiscovery(s)
		}
	case engine.EventSensorRemoved:
		if s, ok := event.Data.(protocol.Sensor); ok && b.discovery {
			for _, msg := range buildRemoveDiscovery(s.MAC) {
				b.pub(msg.Topic, msg.Payload, true)
			}
		}
	case engine.EventDongleState:
		b.pub(joinTopic(b.root, "bridge", "dongle"), mustJSON(event.Data), true)
	}
}

func (b *Bridge) handleSensorEvent(ev protocol.SensorEvent) {
	rec := b.sensorRecord(ev.Sensor.MAC)
	pubs, missing := buildPublications(b.root, ev.Sensor.MAC, rec, b.template, eventFields(ev))
	for _, p := range pubs {
		b.pub(p.Topic, mustJSON(p.Payload), false)
	}
	if len(missing) > 0 {
		b.pruneBindings(ev.Sensor.MAC, missing)
	}
}

func (b *Bridge) sensorRecord(mac string) *store.Sensor {
	rec, err := b.store.GetSensor(mac)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("load sensor config", "mac", mac, "err", err)
		}
		return nil
	}
	return rec
}

func (b *Bridge) template(name string) (*store.Template, bool) {
	t, err := b.store.GetTemplate(name)
	if err != nil {
		return nil, false
	}
	return t, true
}

// pruneBindings removes topic bindings whose template no longer exists.
func (b *Bridge) pruneBindings(mac string, missing []string) {
	gone := make(map[string]bool, len(missing))
	for _, name := range missing {
		gone[name] = true
	}
	err := b.store.UpdateSensor(mac, func(s *store.Sensor) error {
		kept := s.Topics[:0]
		for _, t := range s.Topics {
			if !gone[t.Template] {
				kept = append(kept, t)
			}
		}
		s.Topics = kept
		return nil
	})
	if err != nil {
		b.logger.Warn("prune topic bindings", "mac", mac, "err", err)
		return
	}
	b.logger.Info("removed bindings to missing templates", "mac", mac, "templates", missing)
}

func (b *Bridge) publishAllDiscovery() {
	if !b.discovery {
		return
	}
	for _, s := range b.eng.Sensors() {
		b.publishSensorDiscovery(s)
	}
}

func (b *Bridge) publishSensorDiscovery(s protocol.Sensor) {
	for _, msg := range buildDiscovery(s, b.sensorRecord(s.MAC), b.root) {
		b.pub(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "mac", s.MAC, "type", s.Type)
}

func (b *Bridge) commandTopic() string {
	return joinTopic(b.root, "bridge", "set")
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.commandTopic(), b.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Commands wait for the dongle; keep paho's router free.
		go b.handleCommand(msg.Payload())
	})
}

// commandResult is published to root/bridge/response after each command.
type commandResult struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

func (b *Bridge) handleCommand(payload []byte) {
	req, err := control.Parse(payload)
	res := commandResult{Action: req.Action}
	if err == nil {
		ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
		err = control.Apply(ctx, b.eng, req)
		cancel()
	}
	if err != nil {
		b.logger.Warn("bridge command failed", "action", req.Action, "err", err)
		res.Error = err.Error()
	} else {
		res.OK = true
		b.logger.Info("bridge command", "action", req.Action)
	}
	b.pub(joinTopic(b.root, "bridge", "response"), mustJSON(res), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, b.qos, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
