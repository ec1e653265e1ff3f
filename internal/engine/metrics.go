package engine

import "time"

// Metrics receives engine instrumentation. Implementations must be safe for
// concurrent use and must not block.
type Metrics interface {
	FrameReceived(cmd string)
	FramingError()
	DecodeAnomaly(reason string)
	CommandSent(cmd string)
	CommandCompleted(cmd string, latency time.Duration)
	CommandTimedOut(cmd string)
	EventDelivered(eventType string)
	QueueLength(n int)
	SensorCount(n int)
}

type nopMetrics struct{}

func (nopMetrics) FrameReceived(string)                   {}
func (nopMetrics) FramingError()                          {}
func (nopMetrics) DecodeAnomaly(string)                   {}
func (nopMetrics) CommandSent(string)                     {}
func (nopMetrics) CommandCompleted(string, time.Duration) {}
func (nopMetrics) CommandTimedOut(string)                 {}
func (nopMetrics) EventDelivered(string)                  {}
func (nopMetrics) QueueLength(int)                        {}
func (nopMetrics) SensorCount(int)                        {}
