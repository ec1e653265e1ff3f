// Package engine drives a WyzeSense dongle: it reassembles frames from the
// device stream, correlates commands with their acks, keeps the sensor
// inventory in sync and publishes decoded events in order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wyzesense-bridge/internal/protocol"
	"wyzesense-bridge/internal/transport"
)

const (
	DefaultInventoryTimeout = 15 * time.Second
	DefaultScanTimeout      = 60 * time.Second
)

var (
	ErrNotOpen          = errors.New("device not open")
	ErrAlreadyOpen      = errors.New("device already open")
	ErrStopped          = errors.New("engine stopped")
	ErrInvalidMAC       = errors.New("invalid sensor mac")
	ErrInventoryTimeout = errors.New("sensor inventory timed out")
)

// Config holds engine settings. Zero durations take the defaults.
type Config struct {
	Device             transport.Config
	CommandTimeout     time.Duration
	InventoryTimeout   time.Duration
	DefaultScanTimeout time.Duration
	BufferMax          int
}

// Opener opens the dongle device.
type Opener func(transport.Config, *slog.Logger) (transport.Device, error)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics routes engine instrumentation to m.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOpener replaces the device opener.
func WithOpener(o Opener) Option {
	return func(e *Engine) { e.open = o }
}

// WithClock replaces the clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// session is one open device and the goroutines serving it.
type session struct {
	dev       transport.Device
	buf       *protocol.FrameBuffer
	corr      *correlator
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Engine is the dongle protocol engine.
type Engine struct {
	cfg     Config
	open    Opener
	metrics Metrics
	now     func() time.Time
	logger  *slog.Logger
	base    *slog.Logger

	lifeMu  sync.Mutex
	sess    *session
	stopped bool

	registry *Registry
	state    stateHolder
	events   *Dispatcher

	// inventory serializes refresh and delete so their responses cannot
	// interleave.
	inventory   chan struct{}
	invMu       sync.Mutex
	refreshDone chan struct{}
	deleteWait  map[string]chan protocol.DeleteResult

	incMu     sync.Mutex
	lastAdded protocol.Sensor

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

// New creates an engine. Subscribe through Events before calling Start.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.InventoryTimeout <= 0 {
		cfg.InventoryTimeout = DefaultInventoryTimeout
	}
	if cfg.DefaultScanTimeout <= 0 {
		cfg.DefaultScanTimeout = DefaultScanTimeout
	}
	if cfg.BufferMax <= 0 {
		cfg.BufferMax = protocol.DefaultBufferMax
	}
	e := &Engine{
		cfg:        cfg,
		open:       transport.Open,
		metrics:    nopMetrics{},
		now:        time.Now,
		logger:     logger.With("component", "engine"),
		base:       logger,
		registry:   NewRegistry(),
		events:     NewDispatcher(logger.With("component", "events")),
		inventory:  make(chan struct{}, 1),
		deleteWait: make(map[string]chan protocol.DeleteResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.state.Phase = PhaseClosed
	e.events.onDeliver = func(ev Event) {
		e.metrics.EventDelivered(ev.Type)
		e.metrics.QueueLength(e.events.Len())
	}
	return e
}

// Events returns the dispatcher subscribers register with.
func (e *Engine) Events() *Dispatcher { return e.events }

// Sensors returns a snapshot of the registered sensors.
func (e *Engine) Sensors() []protocol.Sensor { return e.registry.All() }

// Sensor returns one registered sensor.
func (e *Engine) Sensor(mac string) (protocol.Sensor, bool) { return e.registry.Get(mac) }

// State returns a snapshot of the dongle state.
func (e *Engine) State() DongleState { return e.state.snapshot() }

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase { return e.state.snapshot().Phase }

// Open opens the dongle device. An empty path uses the configured one.
func (e *Engine) Open(path string) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.sess != nil {
		return ErrAlreadyOpen
	}

	cfg := e.cfg.Device
	if path != "" {
		cfg.Path = path
	}
	e.setPhase(PhaseOpening)
	dev, err := e.open(cfg, e.base.With("component", "transport"))
	if err != nil {
		e.setPhase(PhaseClosed)
		if !errors.Is(err, transport.ErrDeviceOpen) {
			err = fmt.Errorf("%w: %w", transport.ErrDeviceOpen, err)
		}
		return err
	}

	s := &session{
		dev:  dev,
		buf:  protocol.NewFrameBuffer(protocol.DefaultBufferInitial, e.cfg.BufferMax),
		done: make(chan struct{}),
	}
	s.corr = newCorrelator(dev.WriteFrame, e.cfg.CommandTimeout, s.done, e.metrics, e.logger)
	e.sess = s
	e.logger.Info("dongle opened", "path", cfg.Path, "kind", cfg.Kind)
	return nil
}

// Start begins reading, performs the handshake and loads the sensor
// inventory. Handshake commands that time out are logged and skipped; the
// engine reaches Ready even when the dongle stays silent.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	s := e.sess
	if s == nil || e.Phase() != PhaseOpening {
		e.lifeMu.Unlock()
		return ErrNotOpen
	}
	e.setPhase(PhaseHandshaking)
	e.events.Start()
	s.wg.Add(1)
	go e.readLoop(s)
	e.lifeMu.Unlock()

	e.emitState(e.state.snapshot())

	handshake := []protocol.Command{
		protocol.RequestDeviceType(),
		protocol.RequestENR(),
		protocol.RequestMAC(),
		protocol.RequestVersion(),
		protocol.FinishAuth(),
	}
	for _, cmd := range handshake {
		if err := s.corr.Send(ctx, cmd); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrNotRunning) {
				return fmt.Errorf("handshake %s: %w", cmd.Name, err)
			}
			e.logger.Warn("handshake step failed", "cmd", cmd.Name, "err", err)
		}
	}

	if err := e.RefreshSensorList(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrNotRunning) {
			return fmt.Errorf("initial sensor list: %w", err)
		}
		e.logger.Warn("initial sensor list incomplete", "err", err)
	}

	var ready bool
	st := e.state.update(func(st *DongleState) {
		if st.Phase == PhaseHandshaking {
			st.Phase = PhaseReady
			ready = true
		}
	})
	if !ready {
		return fmt.Errorf("start: %w", ErrNotRunning)
	}
	e.emitState(st)
	e.logger.Info("dongle ready", "sensors", e.registry.Len(), "mac", st.MAC, "version", st.Version)
	return nil
}

// Stop ends the session, closes the device and drains pending events. The
// engine cannot be reopened afterwards.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	s := e.sess
	e.stopped = true
	e.lifeMu.Unlock()

	e.cancelScanTimer()
	if s != nil {
		e.closeSession(s, true)
	}
	e.events.Close()
}

// closeSession tears down s once. wait must be false when called from the
// read loop itself.
func (e *Engine) closeSession(s *session, wait bool) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.done)
		if err := s.dev.Close(); err != nil {
			e.logger.Warn("device close", "err", err)
		}
	})
	if wait {
		s.wg.Wait()
	}
	if !first {
		return
	}

	e.lifeMu.Lock()
	if e.sess == s {
		e.sess = nil
	}
	e.lifeMu.Unlock()
	st := e.state.update(func(st *DongleState) {
		st.Phase = PhaseClosed
		st.Inclusive = false
	})
	e.emitState(st)
	e.logger.Info("dongle closed")
}

// running returns the current session if commands can be sent.
func (e *Engine) running() (*session, error) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.sess == nil {
		return nil, ErrNotRunning
	}
	switch e.Phase() {
	case PhaseHandshaking, PhaseReady:
		return e.sess, nil
	default:
		return nil, ErrNotRunning
	}
}

func (e *Engine) send(ctx context.Context, cmd protocol.Command) error {
	s, err := e.running()
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return s.corr.Send(ctx, cmd)
}

// issue sends cmd from its own goroutine. The read loop uses it so it never
// waits on a correlator it is itself responsible for resolving.
func (e *Engine) issue(s *session, cmd protocol.Command) {
	go func() {
		if err := s.corr.Send(context.Background(), cmd); err != nil {
			e.logger.Warn("background command failed", "cmd", cmd.Name, "err", err)
			return
		}
		e.logger.Debug("background command done", "cmd", cmd.Name)
	}()
}

// SetLED switches the dongle LED. The reported state changes when the dongle
// confirms.
func (e *Engine) SetLED(ctx context.Context, on bool) error {
	e.state.update(func(st *DongleState) { st.CommandedLED = on })
	return e.send(ctx, protocol.SetLED(on))
}

// StartScan enables inclusion mode and schedules it to end after timeout
// (the configured default when zero). The scan keeps running after ctx ends;
// call StopScan to end it early.
func (e *Engine) StartScan(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.cfg.DefaultScanTimeout
	}
	s, err := e.running()
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if err := s.corr.Send(ctx, protocol.SetScan(true)); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}

	scanCtx, cancel := context.WithCancel(context.Background())
	e.scanMu.Lock()
	if e.scanCancel != nil {
		e.scanCancel()
	}
	e.scanCancel = cancel
	e.scanMu.Unlock()

	e.logger.Info("inclusion scan started", "timeout", timeout)
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			e.logger.Info("inclusion scan timeout reached")
			if err := e.StopScan(context.Background()); err != nil {
				e.logger.Warn("stop scan after timeout", "err", err)
			}
		case <-scanCtx.Done():
		case <-s.done:
		}
	}()
	return nil
}

// StopScan disables inclusion mode. The disable command is sent even if no
// scan is known to be running.
func (e *Engine) StopScan(ctx context.Context) error {
	e.cancelScanTimer()
	if err := e.send(ctx, protocol.SetScan(false)); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	e.logger.Info("inclusion scan stopped")
	return nil
}

func (e *Engine) cancelScanTimer() {
	e.scanMu.Lock()
	if e.scanCancel != nil {
		e.scanCancel()
		e.scanCancel = nil
	}
	e.scanMu.Unlock()
}

// acquireInventory takes the refresh/delete slot.
func (e *Engine) acquireInventory(ctx context.Context) (func(), error) {
	select {
	case e.inventory <- struct{}{}:
		return func() { <-e.inventory }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RefreshSensorList re-reads the dongle's sensor list and reconciles the
// registry with it, emitting removals and additions. It returns once
// reconciliation finished.
func (e *Engine) RefreshSensorList(ctx context.Context) error {
	s, err := e.running()
	if err != nil {
		return fmt.Errorf("refresh sensor list: %w", err)
	}
	release, err := e.acquireInventory(ctx)
	if err != nil {
		return fmt.Errorf("refresh sensor list: %w", err)
	}
	defer release()

	done := make(chan struct{})
	e.invMu.Lock()
	e.refreshDone = done
	e.invMu.Unlock()
	defer func() {
		e.invMu.Lock()
		if e.refreshDone == done {
			e.refreshDone = nil
		}
		e.invMu.Unlock()
	}()

	if err := s.corr.Send(ctx, protocol.RequestSensorCount()); err != nil {
		return fmt.Errorf("refresh sensor list: %w", err)
	}

	timer := time.NewTimer(e.cfg.InventoryTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("refresh sensor list: %w", ErrInventoryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("refresh sensor list: %w", ErrNotRunning)
	}
}

// DeleteSensor unbinds a sensor from the dongle and waits for the dongle's
// confirmation. The sensor_removed event is emitted if it was registered.
func (e *Engine) DeleteSensor(ctx context.Context, mac string) error {
	if !protocol.ValidMAC(mac) {
		return fmt.Errorf("delete %q: %w", mac, ErrInvalidMAC)
	}
	s, err := e.running()
	if err != nil {
		return fmt.Errorf("delete %s: %w", mac, err)
	}
	release, err := e.acquireInventory(ctx)
	if err != nil {
		return fmt.Errorf("delete %s: %w", mac, err)
	}
	defer release()

	wait := make(chan protocol.DeleteResult, 1)
	e.invMu.Lock()
	e.deleteWait[mac] = wait
	e.invMu.Unlock()
	defer func() {
		e.invMu.Lock()
		delete(e.deleteWait, mac)
		e.invMu.Unlock()
	}()

	if err := s.corr.Send(ctx, protocol.DeleteSensor(mac)); err != nil {
		return fmt.Errorf("delete %s: %w", mac, err)
	}

	timer := time.NewTimer(e.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case res := <-wait:
		e.logger.Info("sensor deleted", "mac", mac, "status", res.Status)
		return nil
	case <-timer.C:
		return fmt.Errorf("delete %s confirmation: %w", mac, ErrCommandTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("delete %s: %w", mac, ErrNotRunning)
	}
}

// RequestRadioUpdate puts the dongle's CC1310 radio into firmware update
// mode.
func (e *Engine) RequestRadioUpdate(ctx context.Context) error {
	return e.send(ctx, protocol.RequestRadioUpdate())
}

func (e *Engine) setPhase(p Phase) {
	e.state.update(func(st *DongleState) { st.Phase = p })
}

func (e *Engine) emit(eventType string, data interface{}) {
	e.events.Emit(Event{Type: eventType, Data: data})
	e.metrics.QueueLength(e.events.Len())
}

func (e *Engine) emitState(st DongleState) {
	e.emit(EventDongleState, st)
}
