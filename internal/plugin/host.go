package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/metrics"
)

// Host drives a single plugin through its lifecycle.
type Host struct {
	mu sync.RWMutex

	name   string
	plugin Plugin
	env    *Env

	state State
	err   error

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the host logger.
func WithHostLogger(l zerolog.Logger) HostOption {
	return func(h *Host) {
		h.logger = l
	}
}

// WithHostMetrics sets the metrics sink for state transitions.
func WithHostMetrics(m *metrics.Metrics) HostOption {
	return func(h *Host) {
		h.metrics = m
	}
}

// NewHost creates a host for p running in env.
func NewHost(name string, p Plugin, env *Env, opts ...HostOption) (*Host, error) {
	if p == nil {
		return nil, ErrNilPlugin
	}
	h := &Host{
		name:   name,
		plugin: p,
		env:    env,
		state:  StateUnloaded,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Name returns the plugin name.
func (h *Host) Name() string {
	return h.name
}

// Env returns the plugin environment.
func (h *Host) Env() *Env {
	return h.env
}

// Plugin returns the hosted plugin.
func (h *Host) Plugin() Plugin {
	return h.plugin
}

// State returns the current state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Error returns the error that moved the host to StateError.
func (h *Host) Error() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Initialize runs the plugin's Initialize. A failure leaves the host in
// StateError.
func (h *Host) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateUnloaded {
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("initialize %s from %s: %w", h.name, st, ErrInvalidState)
	}
	h.mu.Unlock()

	if err := h.call("initialize", func() error { return h.plugin.Initialize(ctx, h.env) }); err != nil {
		h.fail(err)
		return err
	}
	h.transition(StateInitialized)
	return nil
}

// Start runs the plugin's Start. The host is Running while Start
// executes, so Stop may be called concurrently.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	switch {
	case h.state == StateUnloaded || h.state == StateError:
		h.mu.Unlock()
		return fmt.Errorf("start %s: %w", h.name, ErrNotInitialized)
	case !h.state.CanStart():
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("start %s from %s: %w", h.name, st, ErrInvalidState)
	}
	h.setLocked(StateRunning)
	h.mu.Unlock()

	if err := h.call("start", func() error { return h.plugin.Start(ctx) }); err != nil {
		h.mu.RLock()
		running := h.state == StateRunning
		h.mu.RUnlock()
		// A concurrent Stop already settled the state.
		if running {
			h.fail(err)
		}
		return err
	}
	return nil
}

// Stop runs the plugin's Stop.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateRunning {
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("stop %s from %s: %w", h.name, st, ErrInvalidState)
	}
	h.mu.Unlock()

	if err := h.call("stop", func() error { return h.plugin.Stop(ctx) }); err != nil {
		h.fail(err)
		return err
	}
	h.transition(StateStopped)
	return nil
}

// Release runs the plugin's Release and then releases any handles the
// plugin left behind. A host in StateError skips the plugin call. Plugins
// implementing io.Closer are closed in either case.
func (h *Host) Release(ctx context.Context) error {
	h.mu.Lock()
	if !h.state.CanRelease() {
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("release %s from %s: %w", h.name, st, ErrInvalidState)
	}
	failed := h.state == StateError
	h.mu.Unlock()

	var errs []error
	if !failed {
		if err := h.call("release", func() error { return h.plugin.Release(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := h.plugin.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.name, err))
		}
	}
	if h.env != nil {
		if err := h.env.cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	h.transition(StateReleased)
	return errors.Join(errs...)
}

func (h *Host) call(phase string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			h.metrics.HandlerPanic("plugin")
			h.logger.Error().Str("phase", phase).Interface("panic", v).Bytes("stack", debug.Stack()).Msg("plugin panicked")
			err = fmt.Errorf("%s %s: panic: %v", phase, h.name, v)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s %s: %w", phase, h.name, err)
	}
	return nil
}

func (h *Host) transition(s State) {
	h.mu.Lock()
	h.setLocked(s)
	h.mu.Unlock()
	h.logger.Debug().Stringer("state", s).Msg("plugin state changed")
}

func (h *Host) setLocked(s State) {
	h.state = s
	h.metrics.PluginTransition(s.String())
}

func (h *Host) fail(err error) {
	h.mu.Lock()
	h.state = StateError
	h.err = err
	h.mu.Unlock()
	h.metrics.PluginTransition(StateError.String())
	h.logger.Error().Err(err).Msg("plugin failed")
}
