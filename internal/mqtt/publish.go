//go:build !no_mqtt

package mqtt

import (
	"regexp"
	"strings"
	"time"

	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/store"
)

// Payload keys added or renamed for Home Assistant.
const (
	keyTimestamp    = "timestamp"
	keyCommandTopic = "command_topic"
	keyCode         = "code"
)

// alarmCommands maps the modes protocol.KeypadModeName produces to
// alarm_control_panel commands. Other names pass through unchanged.
var alarmCommands = map[string]string{
	"Disarmed": "DISARM",
	"Home":     "ARM_HOME",
	"Away":     "ARM_AWAY",
}

// publication is one MQTT message derived from a sensor event.
type publication struct {
	Topic   string
	Payload map[string]any
}

// eventFields returns a copy of the event fields prepared for publishing.
func eventFields(ev protocol.SensorEvent) map[string]any {
	fields := make(map[string]any, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields[keyTimestamp] = formatTime(ev.Time)

	if name, ok := fields[protocol.FieldModeName].(string); ok {
		delete(fields, protocol.FieldModeName)
		if cmd, ok := alarmCommands[name]; ok {
			name = cmd
		}
		fields[keyCommandTopic] = name
	}
	if pin, ok := fields[protocol.FieldPin].(string); ok {
		delete(fields, protocol.FieldPin)
		fields[keyCode] = pin
	}
	return fields
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

var slashRun = regexp.MustCompile(`/+`)

// joinTopic joins topic levels, collapsing empty levels and trimming a
// trailing slash.
func joinTopic(parts ...string) string {
	topic := slashRun.ReplaceAllString(strings.Join(parts, "/"), "/")
	return strings.TrimRight(topic, "/")
}

// buildPublications decides where a sensor event goes. rec may be nil for
// sensors with no stored configuration. templates resolves a binding's
// template by name; bindings whose template is missing are returned so the
// caller can prune them.
func buildPublications(root string, mac string, rec *store.Sensor, templates func(string) (*store.Template, bool), fields map[string]any) (pubs []publication, missing []string) {
	if rec != nil && len(rec.Topics) > 0 {
		for _, binding := range rec.Topics {
			tmpl, ok := templates(binding.Template)
			if !ok {
				missing = append(missing, binding.Template)
				continue
			}
			for _, pkg := range tmpl.Packages {
				payload := make(map[string]any, len(pkg.Fields)+1)
				for key, field := range pkg.Fields {
					if v, ok := fields[field]; ok {
						payload[key] = v
					}
				}
				if len(payload) == 0 {
					continue
				}
				payload[keyTimestamp] = fields[keyTimestamp]
				pubs = append(pubs, publication{
					Topic:   joinTopic(root, rec.Alias, binding.Root, pkg.Topic),
					Payload: payload,
				})
			}
		}
	} else if rec != nil && rec.Alias != "" {
		pubs = append(pubs, publication{Topic: joinTopic(root, rec.Alias), Payload: fields})
	}

	if len(pubs) == 0 {
		pubs = append(pubs, publication{Topic: joinTopic(root, mac), Payload: fields})
	}
	return pubs, missing
}

// stateTopic is where a sensor's full event payload is published when it
// has no template bindings.
func stateTopic(root string, s protocol.Sensor, rec *store.Sensor) string {
	if rec != nil && rec.Alias != "" {
		return joinTopic(root, rec.Alias)
	}
	return joinTopic(root, s.MAC)
}
