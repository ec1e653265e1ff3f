// Package shadow keeps a per-sensor device shadow in Redis: one hash per
// sensor holding the latest reported fields.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"wyzesense-bridge/internal/engine"
	"wyzesense-bridge/internal/protocol"
)

const opTimeout = 2 * time.Second

// Config holds Redis settings. TTL bounds how long a silent sensor's
// shadow survives.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// client is the subset of *redis.Client the shadow uses.
type client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Shadow mirrors sensor state into Redis hashes keyed <prefix>:shadow:<MAC>.
type Shadow struct {
	rdb    client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	unsub  func()
	close  func() error
}

// Connect opens the client and checks the server with PING.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Shadow, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := newShadow(rdb, cfg, logger)
	s.close = rdb.Close
	return s, nil
}

func newShadow(rdb client, cfg Config, logger *slog.Logger) *Shadow {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "wyzesense"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Shadow{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger.With("component", "shadow")}
}

func (s *Shadow) key(mac string) string {
	return fmt.Sprintf("%s:shadow:%s", s.prefix, mac)
}

// Attach subscribes the shadow to engine events.
func (s *Shadow) Attach(d *engine.Dispatcher) {
	s.unsub = d.OnAll(s.handle)
}

func (s *Shadow) handle(ev engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case engine.EventSensorAdded:
		if sensor, ok := ev.Data.(protocol.Sensor); ok {
			err = s.write(ctx, sensor.MAC, map[string]any{
				"type":    sensor.Type.String(),
				"version": int(sensor.Version),
			})
		}
	case engine.EventSensorEvent:
		if se, ok := ev.Data.(protocol.SensorEvent); ok {
			err = s.write(ctx, se.Sensor.MAC, shadowFields(se))
		}
	case engine.EventSensorRemoved:
		if sensor, ok := ev.Data.(protocol.Sensor); ok {
			err = s.rdb.Del(ctx, s.key(sensor.MAC)).Err()
		}
	}
	if err != nil {
		s.logger.Warn("shadow update failed", "type", ev.Type, "err", err)
	}
}

func (s *Shadow) write(ctx context.Context, mac string, fields map[string]any) error {
	key := s.key(mac)
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, s.ttl).Err()
}

// shadowFields flattens an event into hash fields. PIN codes are not kept.
func shadowFields(ev protocol.SensorEvent) map[string]any {
	out := map[string]any{
		"type":     ev.Sensor.Type.String(),
		"category": string(ev.Category),
		"ts":       ev.Time.Unix(),
	}
	for k, v := range ev.Fields {
		if k == protocol.FieldPin {
			continue
		}
		switch n := v.(type) {
		case byte:
			out[k] = int(n)
		default:
			out[k] = fmt.Sprint(n)
		}
	}
	return out
}

// Get returns the stored shadow for a sensor.
func (s *Shadow) Get(ctx context.Context, mac string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.key(mac)).Result()
}

func (s *Shadow) Close() error {
	if s.unsub != nil {
		s.unsub()
	}
	if s.close != nil {
		return s.close()
	}
	return nil
}
