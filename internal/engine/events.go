package engine

import (
	"log/slog"
	"sync"
)

// Event types. Data carries protocol.Sensor for sensor_added and
// sensor_removed, protocol.SensorEvent for sensor_event and DongleState for
// dongle_state.
const (
	EventSensorAdded   = "sensor_added"
	EventSensorRemoved = "sensor_removed"
	EventSensorEvent   = "sensor_event"
	EventDongleState   = "dongle_state"
)

// Event is one engine notification.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Dispatcher delivers events to subscribers from a single goroutine, in the
// order they were emitted. Emit never blocks the caller.
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64

	qmu     sync.Mutex
	queue   []Event
	wake    chan struct{}
	closing bool

	done    chan struct{}
	started sync.Once
	stopped sync.Once
	logger  *slog.Logger

	// onDeliver is called after each event is delivered to all handlers.
	onDeliver func(Event)
}

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (d *Dispatcher) On(eventType string, handler EventHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	if d.handlers[eventType] == nil {
		d.handlers[eventType] = make(map[uint64]EventHandler)
	}
	d.handlers[eventType][id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (d *Dispatcher) OnAll(handler EventHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.allHandlers[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.allHandlers, id)
	}
}

// Emit enqueues an event. Events emitted after Close are dropped.
func (d *Dispatcher) Emit(event Event) {
	d.qmu.Lock()
	if d.closing {
		d.qmu.Unlock()
		d.logger.Debug("event dropped after close", "type", event.Type)
		return
	}
	d.queue = append(d.queue, event)
	d.qmu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of undelivered events.
func (d *Dispatcher) Len() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return len(d.queue)
}

// Start launches the delivery goroutine. Subsequent calls are no-ops.
func (d *Dispatcher) Start() {
	d.started.Do(func() { go d.run() })
}

// Close stops accepting events, delivers what is already queued and waits
// for the delivery goroutine to exit.
func (d *Dispatcher) Close() {
	d.stopped.Do(func() {
		d.qmu.Lock()
		d.closing = true
		d.qmu.Unlock()
		select {
		case d.wake <- struct{}{}:
		default:
		}
		d.Start()
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.qmu.Lock()
		if len(d.queue) == 0 {
			closing := d.closing
			d.qmu.Unlock()
			if closing {
				return
			}
			<-d.wake
			continue
		}
		event := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		d.qmu.Unlock()

		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers[event.Type])+len(d.allHandlers))
	for _, h := range d.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range d.allHandlers {
		handlers = append(handlers, h)
	}
	onDeliver := d.onDeliver
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
	if onDeliver != nil {
		onDeliver(event)
	}
}
