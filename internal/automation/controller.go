package automation

import (
	"wyzesense-bridge/internal/control"
	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
)

// Controller is the part of the protocol engine scripts can reach.
type Controller interface {
	control.Controller
	Events() *engine.Dispatcher
	Sensors() []protocol.Sensor
	State() engine.DongleState
}
