package input

import (
	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/metrics"
	"github.com/dshills/modframe/internal/registry"
)

// Option configures a Dispatcher.
type Option func(*config)

type config struct {
	source       Source
	workers      int
	queueSize    int
	asyncDefault bool
	duplicates   registry.DuplicatePolicy
	unload       registry.UnloadPolicy
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

func defaultConfig() config {
	return config{
		workers:   4,
		queueSize: 256,
		logger:    zerolog.Nop(),
	}
}

// WithSource sets the event source read by Start.
func WithSource(s Source) Option {
	return func(c *config) {
		c.source = s
	}
}

// WithAsyncWorkers sets the number of async delivery workers.
func WithAsyncWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithQueueSize sets the async delivery queue size.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithAsyncDefault sets the value reported by AsyncDefault, which
// scripted plugins use when they omit the async flag.
func WithAsyncDefault(async bool) Option {
	return func(c *config) {
		c.asyncDefault = async
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

// WithLogger sets the dispatcher logger.
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
