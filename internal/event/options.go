package event

import (
	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/metrics"
)

// PanicHandler is called when a subscriber panics.
type PanicHandler func(err *PanicError)

// BusOption configures a Bus.
type BusOption func(*busConfig)

type busConfig struct {
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	panicHandler PanicHandler
	onCreate     func(name string)
}

func defaultBusConfig() busConfig {
	return busConfig{logger: zerolog.Nop()}
}

// WithLogger sets the bus logger.
func WithLogger(l zerolog.Logger) BusOption {
	return func(c *busConfig) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) BusOption {
	return func(c *busConfig) {
		c.metrics = m
	}
}

// WithPanicHandler sets a callback for recovered panics. It runs in
// addition to logging.
func WithPanicHandler(h PanicHandler) BusOption {
	return func(c *busConfig) {
		c.panicHandler = h
	}
}

// WithCreateHook sets a function called after a channel is created. It
// runs on the creating goroutine with no bus lock held.
func WithCreateHook(fn func(name string)) BusOption {
	return func(c *busConfig) {
		c.onCreate = fn
	}
}
