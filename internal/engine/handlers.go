package engine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/transport"
)

// readLoop owns the session's frame buffer. It blocks only on device reads
// and never waits for a command to complete.
func (e *Engine) readLoop(s *session) {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		chunk, err := s.dev.ReadChunk()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, transport.ErrStreamClosed) {
				e.logger.Warn("dongle stream closed")
				e.closeSession(s, false)
				return
			}
			e.logger.Error("dongle read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond

		if len(chunk) == 0 {
			continue
		}
		if err := s.buf.Queue(chunk); err != nil {
			// Nothing parseable in a full buffer; start over from this chunk.
			e.logger.Warn("frame buffer overflow, resetting", "err", err, "buffered", s.buf.Size())
			e.metrics.FramingError()
			s.buf.Reset()
			if err := s.buf.Queue(chunk); err != nil {
				continue
			}
		}
		e.drainFrames(s)
	}
}

func (e *Engine) drainFrames(s *session) {
	for {
		f, err := protocol.ReadFrame(s.buf)
		switch {
		case err == nil:
			e.handleFrame(s, f)
		case errors.Is(err, protocol.ErrIncomplete):
			return
		case errors.Is(err, protocol.ErrFraming):
			e.metrics.FramingError()
			e.logger.Debug("resync", "err", err)
		case errors.Is(err, protocol.ErrChecksum):
			e.metrics.DecodeAnomaly("checksum")
			e.logger.Warn("frame dropped", "err", err)
		default:
			e.logger.Error("frame read", "err", err)
			return
		}
	}
}

func (e *Engine) handleFrame(s *session, f protocol.Frame) {
	name := protocol.CommandName(f.Cmd)
	e.metrics.FrameReceived(name)
	e.logger.Debug("wyze RX", "frame", f.String(), "raw", fmt.Sprintf("%X", f.Raw))

	if f.IsAck() {
		if !s.corr.Resolve(f) {
			e.logger.Debug("unsolicited ack", "cmd", protocol.CommandName(f.AckedCmd))
		}
		return
	}

	if f.Type == protocol.TypeAsync {
		if err := s.dev.WriteFrame(protocol.EncodeAck(f.Cmd)); err != nil {
			e.logger.Warn("ack write failed", "cmd", name, "err", err)
		}
	}
	s.corr.Resolve(f)

	switch f.Cmd {
	case protocol.CmdNotifySensorStart:
		e.onSensorStart(s, f)
	case protocol.CmdSetRandomDateResp:
		e.onRandomDateResp(s, f)
	case protocol.CmdVerifySensorResp:
		e.onVerifySensorResp()
	case protocol.CmdNotifyEventLog:
		e.onEventLog(f)
	case protocol.CmdSensorAlarm:
		ev, err := protocol.DecodeSensorAlarm(f.Raw, e.registry, e.now())
		e.onSensorEvent("sensor alarm", ev, err)
	case protocol.CmdKeypadEvent:
		ev, err := protocol.DecodeKeypadEvent(f.Body(), e.registry, e.now())
		e.onSensorEvent("keypad", ev, err)
	case protocol.CmdRequestSyncTime:
		e.issue(s, protocol.SyncTime(e.now()))

	case protocol.CmdDeviceTypeResp:
		if v, err := protocol.DecodeCount(f.Payload); err == nil {
			e.updateState(func(st *DongleState) { st.DeviceType = v })
		}
	case protocol.CmdGetENRResp:
		enr := append([]byte(nil), f.Payload...)
		e.updateState(func(st *DongleState) { st.ENR = enr })
	case protocol.CmdGetMACResp:
		mac := string(f.Payload)
		e.updateState(func(st *DongleState) { st.MAC = mac })
	case protocol.CmdVersionResp:
		version := string(f.Payload)
		e.updateState(func(st *DongleState) { st.Version = version })
	case protocol.CmdSetLEDResp:
		if v, err := protocol.DecodeCount(f.Payload); err == nil && v == 0xFF {
			e.updateState(func(st *DongleState) { st.LEDState = st.CommandedLED })
		}
	case protocol.CmdFinishAuthResp, protocol.CmdStartStopScanResp:
		e.logger.Debug("command response", "cmd", name, "payload", fmt.Sprintf("%X", f.Payload))
	case protocol.CmdCC1310Resp:
		e.logger.Warn("radio ready for firmware update")

	case protocol.CmdGetSensorCountResp:
		e.onSensorCount(s, f)
	case protocol.CmdGetSensorListResp:
		e.onSensorListEntry(f)
	case protocol.CmdDeleteSensorResp:
		e.onDeleteResp(f)

	default:
		e.metrics.DecodeAnomaly("unhandled")
		e.logger.Debug("unhandled frame", "cmd", name, "raw", fmt.Sprintf("%X", f.Raw))
	}
}

func (e *Engine) updateState(fn func(*DongleState)) {
	e.emitState(e.state.update(fn))
}

func (e *Engine) onSensorEvent(kind string, ev protocol.SensorEvent, err error) {
	if err != nil {
		if errors.Is(err, protocol.ErrNoEvent) {
			e.logger.Debug(kind+" without event", "err", err)
			return
		}
		reason := "unhandled"
		if errors.Is(err, protocol.ErrShortPayload) {
			reason = "short_payload"
		}
		e.metrics.DecodeAnomaly(reason)
		e.logger.Warn(kind+" decode failed", "err", err)
		return
	}
	e.logger.Info("sensor event", "mac", ev.Sensor.MAC, "type", ev.Sensor.Type.String(), "category", ev.Category, "fields", ev.Fields)
	e.emit(EventSensorEvent, ev)
}

func (e *Engine) onEventLog(f protocol.Frame) {
	body, err := protocol.EventLogBody(f.Raw)
	if err != nil {
		e.metrics.DecodeAnomaly("short_payload")
		e.logger.Warn("event log", "err", err)
		return
	}
	n, err := protocol.DecodeNotification(body)
	if err != nil {
		e.metrics.DecodeAnomaly("unhandled")
		e.logger.Warn("event log decode failed", "err", err, "body", fmt.Sprintf("%X", body))
		return
	}
	switch n.Kind {
	case protocol.NotifyAuth:
		e.updateState(func(st *DongleState) { st.AuthState = n.AuthState })
	case protocol.NotifyScan:
		e.updateState(func(st *DongleState) { st.Inclusive = n.Scanning })
	case protocol.NotifyRandomDateDone:
		e.incMu.Lock()
		last := e.lastAdded
		e.incMu.Unlock()
		if !strings.HasPrefix(last.MAC, n.PartialMAC) {
			e.logger.Error("random date confirmation for unexpected sensor", "expected", last.MAC, "partial", n.PartialMAC)
		}
	case protocol.NotifySensorEvent:
		e.logger.Debug("event log sensor event", "mac", n.MAC, "type", n.SensorType.String(), "state", n.State, "event_id", n.EventID)
	case protocol.NotifyNewSensor:
		e.logger.Debug("event log new sensor", "mac", n.MAC, "type", n.SensorType.String(), "version", n.Version)
	default:
		e.logger.Debug("event log", "kind", fmt.Sprintf("0x%02X", byte(n.Kind)), "mac", n.MAC)
	}
}

// Inclusion: NotifySensorStart → SetSensorRandomDate → VerifySensor →
// VerifySensorResp.

func (e *Engine) onSensorStart(s *session, f protocol.Frame) {
	sensor, err := protocol.DecodeSensorStart(f)
	if err != nil {
		e.metrics.DecodeAnomaly("short_payload")
		e.logger.Warn("sensor start", "err", err)
		return
	}
	e.incMu.Lock()
	e.lastAdded = sensor
	e.incMu.Unlock()
	e.logger.Info("sensor pairing", "mac", sensor.MAC, "type", sensor.Type.String(), "version", sensor.Version)

	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		e.logger.Error("random seed", "err", err)
		return
	}
	e.issue(s, protocol.SetSensorRandomDate(sensor.MAC, seed))
}

func (e *Engine) onRandomDateResp(s *session, f protocol.Frame) {
	res, err := protocol.DecodeRandomDateResp(f)
	if err != nil {
		e.metrics.DecodeAnomaly("short_payload")
		e.logger.Warn("random date response", "err", err)
		return
	}
	if !res.Success {
		e.logger.Error("sensor rejected random date", "mac", res.MAC, "status", res.Status)
		return
	}
	e.incMu.Lock()
	last := e.lastAdded
	e.incMu.Unlock()
	if last.MAC == "" {
		e.logger.Warn("random date response without pairing sensor", "mac", res.MAC)
		return
	}
	if res.MAC != last.MAC {
		e.logger.Warn("random date response for other sensor", "expected", last.MAC, "got", res.MAC)
	}
	e.issue(s, protocol.VerifySensor(last.MAC))
}

func (e *Engine) onVerifySensorResp() {
	e.incMu.Lock()
	sensor := e.lastAdded
	e.lastAdded = protocol.Sensor{}
	e.incMu.Unlock()
	if sensor.MAC == "" {
		e.logger.Warn("verify response without pairing sensor")
		return
	}
	if !e.registry.Insert(sensor) {
		e.logger.Info("sensor re-paired", "mac", sensor.MAC)
		return
	}
	e.metrics.SensorCount(e.registry.Len())
	e.logger.Info("sensor added", "mac", sensor.MAC, "type", sensor.Type.String())
	e.emit(EventSensorAdded, sensor)
}

// Inventory.

func (e *Engine) onSensorCount(s *session, f protocol.Frame) {
	n, err := protocol.DecodeCount(f.Payload)
	if err != nil {
		e.metrics.DecodeAnomaly("short_payload")
		e.logger.Warn("sensor count", "err", err)
		return
	}
	e.logger.Info("sensor count", "count", n)
	e.registry.BeginScan(int(n))
	if n == 0 {
		e.reconcile()
		return
	}
	e.issue(s, protocol.RequestSensorList(n))
}

func (e *Engine) onSensorListEntry(f protocol.Frame) {
	sensor, err := protocol.DecodeSensorListEntry(f.Payload)
	if err != nil {
		e.metrics.DecodeAnomaly("short_payload")
		e.logger.Warn("sensor list entry", "err", err)
		return
	}
	e.logger.Debug("sensor list entry", "mac", sensor.MAC, "type", sensor.Type.String(), "version", sensor.Version)
	if e.registry.AddScanResult(sensor) {
		e.reconcile()
	}
}

func (e *Engine) reconcile() {
	removed, added := e.registry.Reconcile()
	for _, s := range removed {
		e.logger.Info("sensor no longer bound", "mac", s.MAC)
		e.emit(EventSensorRemoved, s)
	}
	for _, s := range added {
		e.logger.Info("sensor bound", "mac", s.MAC, "type", s.Type.String())
		e.emit(EventSensorAdded, s)
	}
	e.metrics.SensorCount(e.registry.Len())

	e.invMu.Lock()
	if e.refreshDone != nil {
		close(e.refreshDone)
		e.refreshDone = nil
	}
	e.invMu.Unlock()
}

func (e *Engine) onDeleteResp(f protocol.Frame) {
	res, err := protocol.DecodeDeleteResp(f.Payload)
	if err != nil {
		e.metrics.DecodeAnomaly("short_payload")
		e.logger.Warn("delete response", "err", err)
		return
	}
	if sensor, ok := e.registry.Remove(res.MAC); ok {
		e.metrics.SensorCount(e.registry.Len())
		e.emit(EventSensorRemoved, sensor)
	}
	e.invMu.Lock()
	wait := e.deleteWait[res.MAC]
	e.invMu.Unlock()
	if wait != nil {
		select {
		case wait <- res:
		default:
		}
	}
}
