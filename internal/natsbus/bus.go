// Package natsbus fans engine events out over NATS and accepts bridge
// commands on a request subject.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"wyzesense-bridge/internal/control"
	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
)

const commandTimeout = 30 * time.Second

// Config holds NATS settings.
type Config struct {
	URL           string
	SubjectPrefix string
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// Bus publishes every engine event as JSON:
//
//	<prefix>.<event type>       e.g. wyzesense.sensor_event
//	<prefix>.sensor.<MAC>       sensor events only
//	<prefix>.all
//
// Commands arrive on <prefix>.command as control.Request JSON; requests
// with a reply subject get a JSON result.
type Bus struct {
	conn   *nats.Conn
	pub    publisher
	ctrl   control.Controller
	prefix string
	logger *slog.Logger
	unsub  func()
	sub    *nats.Subscription
}

// Connect dials the server and subscribes to the command subject.
func Connect(cfg Config, ctrl control.Controller, logger *slog.Logger) (*Bus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("wyzesense-bridge"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b := newBus(conn, ctrl, cfg.SubjectPrefix, logger)
	b.conn = conn

	b.sub, err = conn.Subscribe(b.subject("command"), func(msg *nats.Msg) {
		reply := b.handleCommand(msg.Data)
		if msg.Reply != "" {
			if err := msg.Respond(reply); err != nil {
				b.logger.Warn("nats reply failed", "err", err)
			}
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	b.logger.Info("NATS connected", "url", cfg.URL, "prefix", b.prefix)
	return b, nil
}

func newBus(pub publisher, ctrl control.Controller, prefix string, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = "wyzesense"
	}
	return &Bus{pub: pub, ctrl: ctrl, prefix: prefix, logger: logger.With("component", "nats")}
}

func (b *Bus) subject(parts ...string) string {
	s := b.prefix
	for _, p := range parts {
		s += "." + p
	}
	return s
}

// subjectToken makes s safe as a single subject token. Letters, digits and
// '-' pass through; any other byte becomes _XX so '.', '*', '>' and spaces
// can neither split the subject nor act as wildcards.
func subjectToken(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "_%02X", c)
		}
	}
	return sb.String()
}

// Attach subscribes the bus to engine events.
func (b *Bus) Attach(d *engine.Dispatcher) {
	b.unsub = d.OnAll(b.handleEvent)
}

func (b *Bus) handleEvent(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("encode event", "type", ev.Type, "err", err)
		return
	}
	for _, subj := range b.subjectsFor(ev) {
		if err := b.pub.Publish(subj, data); err != nil {
			b.logger.Warn("nats publish failed", "subject", subj, "err", err)
		}
	}
}

func (b *Bus) subjectsFor(ev engine.Event) []string {
	subjects := []string{b.subject(ev.Type)}
	if se, ok := ev.Data.(protocol.SensorEvent); ok {
		subjects = append(subjects, b.subject("sensor", subjectToken(se.Sensor.MAC)))
	}
	return append(subjects, b.subject("all"))
}

type commandReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (b *Bus) handleCommand(data []byte) []byte {
	req, err := control.Parse(data)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err = control.Apply(ctx, b.ctrl, req)
		cancel()
	}
	reply := commandReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		b.logger.Warn("nats command failed", "action", req.Action, "err", err)
	} else {
		b.logger.Info("nats command", "action", req.Action)
	}
	out, _ := json.Marshal(reply)
	return out
}

// Close unsubscribes and drains the connection.
func (b *Bus) Close() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
}
