package runner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/metrics"
	"github.com/dshills/modframe/internal/registry"
)

// DefaultTickChannel is the channel name used by WithTickChannel when
// name is empty.
const DefaultTickChannel = "runner"

// Option configures a Runner.
type Option func(*config)

type config struct {
	interval   time.Duration
	duplicates registry.DuplicatePolicy
	unload     registry.UnloadPolicy
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	tickBus     *event.Bus[any]
	tickChannel string
}

func defaultConfig() config {
	return config{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
}

// WithTickInterval sets the target cycle period. Zero runs cycles back to
// back.
func WithTickInterval(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.interval = d
		}
	}
}

// WithDuplicatePolicy sets the registry duplicate policy.
func WithDuplicatePolicy(p registry.DuplicatePolicy) Option {
	return func(c *config) {
		c.duplicates = p
	}
}

// WithUnloadPolicy sets what Unload does with remaining handlers.
func WithUnloadPolicy(p registry.UnloadPolicy) Option {
	return func(c *config) {
		c.unload = p
	}
}

// WithLogger sets the runner logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTickChannel makes the runner create a channel on bus at Load and
// call it with the elapsed time after every cycle.
func WithTickChannel(bus *event.Bus[any], name string) Option {
	return func(c *config) {
		if name == "" {
			name = DefaultTickChannel
		}
		c.tickBus = bus
		c.tickChannel = name
	}
}
