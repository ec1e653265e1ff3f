// Package metrics exports engine instrumentation to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prom implements engine.Metrics.
type Prom struct {
	frames      *prometheus.CounterVec
	framing     prometheus.Counter
	anomalies   *prometheus.CounterVec
	sent        *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	timeouts    *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	queueLength prometheus.Gauge
	sensors     prometheus.Gauge
}

// NewProm creates the collectors and registers them with reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wyzesense_frames_received_total",
			Help: "Frames decoded from the dongle, by command.",
		}, []string{"cmd"}),
		framing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wyzesense_framing_errors_total",
			Help: "Bytes discarded while resynchronizing on the frame magic.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wyzesense_decode_anomalies_total",
			Help: "Frames dropped or not understood, by reason.",
		}, []string{"reason"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wyzesense_commands_sent_total",
			Help: "Commands written to the dongle.",
		}, []string{"cmd"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wyzesense_command_latency_seconds",
			Help:    "Time from command write to its ack or response.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"cmd"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wyzesense_command_timeouts_total",
			Help: "Commands that got no ack or response in time.",
		}, []string{"cmd"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wyzesense_events_delivered_total",
			Help: "Events delivered to subscribers, by type.",
		}, []string{"type"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wyzesense_event_queue_length",
			Help: "Events waiting for delivery.",
		}),
		sensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wyzesense_sensors",
			Help: "Sensors bound to the dongle.",
		}),
	}
	reg.MustRegister(p.frames, p.framing, p.anomalies, p.sent, p.latency,
		p.timeouts, p.delivered, p.queueLength, p.sensors)
	return p
}

func (p *Prom) FrameReceived(cmd string)    { p.frames.WithLabelValues(cmd).Inc() }
func (p *Prom) FramingError()               { p.framing.Inc() }
func (p *Prom) DecodeAnomaly(reason string) { p.anomalies.WithLabelValues(reason).Inc() }
func (p *Prom) CommandSent(cmd string)      { p.sent.WithLabelValues(cmd).Inc() }
func (p *Prom) CommandTimedOut(cmd string)  { p.timeouts.WithLabelValues(cmd).Inc() }
func (p *Prom) EventDelivered(typ string)   { p.delivered.WithLabelValues(typ).Inc() }
func (p *Prom) QueueLength(n int)           { p.queueLength.Set(float64(n)) }
func (p *Prom) SensorCount(n int)           { p.sensors.Set(float64(n)) }

func (p *Prom) CommandCompleted(cmd string, latency time.Duration) {
	p.latency.WithLabelValues(cmd).Observe(latency.Seconds())
}
