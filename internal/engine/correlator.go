package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wyzesense-bridge/internal/protocol"
)

// DefaultCommandTimeout is how long a command waits for its ack or response.
const DefaultCommandTimeout = 5 * time.Second

var (
	ErrCommandTimeout = errors.New("command timed out")
	ErrNotRunning     = errors.New("engine not running")
)

// pendingCommand is the single in-flight command.
type pendingCommand struct {
	cmd  protocol.Command
	done chan struct{}
}

// correlator serializes outbound commands and pairs each with the frame
// that completes it. Only one command is in flight at a time.
type correlator struct {
	sendMu  sync.Mutex
	mu      sync.Mutex
	pending *pendingCommand

	write   func([]byte) error
	timeout time.Duration
	closed  <-chan struct{}
	metrics Metrics
	logger  *slog.Logger
}

func newCorrelator(write func([]byte) error, timeout time.Duration, closed <-chan struct{}, m Metrics, logger *slog.Logger) *correlator {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &correlator{write: write, timeout: timeout, closed: closed, metrics: m, logger: logger}
}

// Send writes cmd and blocks until it is acknowledged, the timeout elapses,
// ctx is cancelled or the engine shuts down. Commands are never retried.
func (c *correlator) Send(ctx context.Context, cmd protocol.Command) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	p := &pendingCommand{cmd: cmd, done: make(chan struct{})}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	raw := cmd.Encode()
	start := time.Now()
	if err := c.write(raw); err != nil {
		c.logger.Error("wyze TX failed", "cmd", cmd.Name, "err", err)
		return fmt.Errorf("write %s: %w", cmd.Name, err)
	}
	c.metrics.CommandSent(cmd.Name)
	c.logger.Info("wyze TX", "cmd", cmd.Name, "payload", fmt.Sprintf("%X", cmd.Payload))

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		c.metrics.CommandCompleted(cmd.Name, time.Since(start))
		return nil
	case <-timer.C:
		c.metrics.CommandTimedOut(cmd.Name)
		c.logger.Warn("wyze command timeout", "cmd", cmd.Name, "timeout", c.timeout)
		return fmt.Errorf("%s: %w", cmd.Name, ErrCommandTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("%s: %w", cmd.Name, ErrNotRunning)
	}
}

// Resolve completes the pending command if f is the frame it waits for.
// It is called from the read loop for every frame and never blocks.
func (c *correlator) Resolve(f protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || !c.pending.cmd.Matches(f) {
		return false
	}
	close(c.pending.done)
	c.pending = nil
	return true
}
