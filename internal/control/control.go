// Package control parses bridge commands arriving over message buses and
// applies them to the engine.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Actions accepted in a Request.
const (
	ActionLED      = "led"
	ActionScan     = "scan"
	ActionStopScan = "stop_scan"
	ActionRefresh  = "refresh"
	ActionDelete   = "delete"
	ActionRadio    = "radio_update"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingMAC    = errors.New("mac required")
)

// Controller is the subset of the engine a Request can drive.
type Controller interface {
	SetLED(ctx context.Context, on bool) error
	StartScan(ctx context.Context, timeout time.Duration) error
	StopScan(ctx context.Context) error
	RefreshSensorList(ctx context.Context) error
	DeleteSensor(ctx context.Context, mac string) error
	RequestRadioUpdate(ctx context.Context) error
}

// Request is a bridge command, e.g. {"action":"scan","seconds":30}.
type Request struct {
	Action  string `json:"action"`
	On      bool   `json:"on,omitempty"`
	Seconds int    `json:"seconds,omitempty"`
	MAC     string `json:"mac,omitempty"`
}

// Parse decodes and validates a JSON request.
func Parse(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, req.Validate()
}

func (r Request) Validate() error {
	switch r.Action {
	case ActionLED, ActionScan, ActionStopScan, ActionRefresh, ActionRadio:
		return nil
	case ActionDelete:
		if r.MAC == "" {
			return ErrMissingMAC
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
	}
}

// Apply runs req against c. A scan with no seconds uses the engine's
// default timeout.
func Apply(ctx context.Context, c Controller, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	switch req.Action {
	case ActionLED:
		return c.SetLED(ctx, req.On)
	case ActionScan:
		return c.StartScan(ctx, time.Duration(req.Seconds)*time.Second)
	case ActionStopScan:
		return c.StopScan(ctx)
	case ActionRefresh:
		return c.RefreshSensorList(ctx)
	case ActionRadio:
		return c.RequestRadioUpdate(ctx)
	default:
		return c.DeleteSensor(ctx, req.MAC)
	}
}
