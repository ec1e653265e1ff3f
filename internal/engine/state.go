package engine

import (
	"sync"
)

// Phase is the engine lifecycle state.
type Phase string

const (
	PhaseClosed      Phase = "closed"
	PhaseOpening     Phase = "opening"
	PhaseHandshaking Phase = "handshaking"
	PhaseReady       Phase = "ready"
)

// DongleState is a snapshot of what the dongle last reported about itself.
type DongleState struct {
	Phase        Phase  `json:"phase"`
	AuthState    byte   `json:"auth_state"`
	Inclusive    bool   `json:"inclusive"`
	LEDState     bool   `json:"led"`
	CommandedLED bool   `json:"commanded_led"`
	DeviceType   byte   `json:"device_type"`
	Version      string `json:"version,omitempty"`
	MAC          string `json:"mac,omitempty"`
	ENR          []byte `json:"-"`
}

type stateHolder struct {
	mu    sync.RWMutex
	state DongleState
}

func (h *stateHolder) snapshot() DongleState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.clone()
}

// update applies fn under the lock and returns the resulting snapshot.
func (h *stateHolder) update(fn func(*DongleState)) DongleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.state)
	return h.state.clone()
}

func (s DongleState) clone() DongleState {
	if s.ENR != nil {
		s.ENR = append([]byte(nil), s.ENR...)
	}
	return s
}
