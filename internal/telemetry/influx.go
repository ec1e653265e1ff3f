// Package telemetry writes sensor readings to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
)

const (
	measurement    = "wyzesense"
	connectTimeout = 10 * time.Second
)

var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Config holds InfluxDB connection settings. FlushInterval is in seconds.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int
}

// pointWriter is the part of api.WriteAPI the writer uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Writer turns sensor events into points. Writes are batched and
// non-blocking; failures are logged from the write API's error channel.
type Writer struct {
	client influxdb2.Client
	api    pointWriter
	logger *slog.Logger
	unsub  func()
}

// Connect pings the server and prepares the batching write API.
func Connect(cfg Config, logger *slog.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := &Writer{
		client: client,
		api:    writeAPI,
		logger: logger.With("component", "telemetry"),
	}
	go func(errs <-chan error) {
		for err := range errs {
			w.logger.Warn("influx write failed", "err", err)
		}
	}(writeAPI.Errors())
	return w, nil
}

// Attach subscribes the writer to engine events.
func (w *Writer) Attach(d *engine.Dispatcher) {
	w.unsub = d.On(engine.EventSensorEvent, w.handle)
}

func (w *Writer) handle(ev engine.Event) {
	se, ok := ev.Data.(protocol.SensorEvent)
	if !ok {
		return
	}
	if p := pointFor(se); p != nil {
		w.api.WritePoint(p)
	}
}

// Close flushes pending points and closes the client.
func (w *Writer) Close() {
	if w.unsub != nil {
		w.unsub()
	}
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
}

// pointFor builds one point per event, tagged by sensor. PIN codes are
// never written. Returns nil when the event carries nothing to record.
func pointFor(ev protocol.SensorEvent) *write.Point {
	fields := make(map[string]interface{}, len(ev.Fields))
	for k, v := range ev.Fields {
		if k == protocol.FieldPin {
			continue
		}
		switch n := v.(type) {
		case byte:
			fields[k] = int64(n)
		case int:
			fields[k] = int64(n)
		case string, bool, float64:
			fields[k] = n
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"mac":      ev.Sensor.MAC,
			"type":     ev.Sensor.Type.String(),
			"category": string(ev.Category),
		},
		fields,
		ev.Time,
	)
}
