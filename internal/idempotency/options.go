package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Defaults used when the corresponding Option is not given.
const (
	DefaultInProgressTTL = 60 * time.Second
	DefaultCompletedTTL  = time.Hour
)

// Recorder receives one call per Coordinator decision.
type Recorder interface {
	RecordOutcome(ctx context.Context, outcome string)
}

type coordinatorConfig struct {
	inProgressTTL time.Duration
	completedTTL  time.Duration
	staleAfter    time.Duration
	now           func() time.Time
	logger        *slog.Logger
	recorder      Recorder
}

// Option configures a Coordinator.
type Option func(*coordinatorConfig)

// WithInProgressTTL bounds how long a slot is held before it is abandoned.
// It must exceed the worst-case latency of the wrapped operation.
//
// Default: 60 seconds
func WithInProgressTTL(ttl time.Duration) Option {
	return func(c *coordinatorConfig) {
		c.inProgressTTL = ttl
	}
}

// WithCompletedTTL bounds how long a completed result is replayed.
//
// Default: 1 hour
func WithCompletedTTL(ttl time.Duration) Option {
	return func(c *coordinatorConfig) {
		c.completedTTL = ttl
	}
}

// WithStaleAfter sets the age after which an IN_PROGRESS holder is presumed
// dead and its record reclaimed. Values above the in-progress TTL are clamped
// to it.
//
// Default: the in-progress TTL
func WithStaleAfter(d time.Duration) Option {
	return func(c *coordinatorConfig) {
		c.staleAfter = d
	}
}

// WithClock overrides the clock used for staleness decisions.
func WithClock(now func() time.Time) Option {
	return func(c *coordinatorConfig) {
		c.now = now
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *coordinatorConfig) {
		c.logger = logger
	}
}

// WithRecorder reports each decision, e.g. to a metrics backend.
func WithRecorder(r Recorder) Option {
	return func(c *coordinatorConfig) {
		c.recorder = r
	}
}
