package app

import (
	"errors"
	"fmt"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/modframe/internal/config"
	"github.com/dshills/modframe/internal/container"
	"github.com/dshills/modframe/internal/input"
	"github.com/dshills/modframe/internal/logging"
	"github.com/dshills/modframe/internal/plugin"
	"github.com/dshills/modframe/internal/registry"
	"github.com/dshills/modframe/internal/runner"
)

// provideServices registers the shared runner and input dispatcher with
// the container. Each is created on first acquire and unloaded when the
// last holder releases it.
func (a *Application) provideServices() error {
	duplicates, err := registry.ParseDuplicatePolicy(a.cfg.Runner.DuplicatePolicy)
	if err != nil {
		return err
	}
	unload, err := registry.ParseUnloadPolicy(a.cfg.Runner.UnloadPolicy)
	if err != nil {
		return err
	}

	bus := container.Bus[any](a.container)
	err = a.container.Provide(plugin.RunnerService, func(id container.Identifier) (any, error) {
		r := runner.New(
			runner.WithTickInterval(a.cfg.Runner.TickInterval.Std()),
			runner.WithDuplicatePolicy(duplicates),
			runner.WithUnloadPolicy(unload),
			runner.WithLogger(logging.Component(a.logger, "runner")),
			runner.WithMetrics(a.metrics),
			runner.WithTickChannel(bus, runner.DefaultTickChannel),
		)
		if err := r.Load(id); err != nil {
			return nil, err
		}
		return r, nil
	}, func(v any) error {
		return v.(*runner.Runner).Unload()
	})
	if err != nil {
		return err
	}

	var closeSource func() error
	return a.container.Provide(plugin.InputService, func(id container.Identifier) (any, error) {
		src, closeSrc, err := a.openSource()
		if err != nil {
			return nil, err
		}
		d := input.New(
			input.WithSource(src),
			input.WithAsyncWorkers(a.cfg.Input.AsyncWorkers),
			input.WithQueueSize(a.cfg.Input.QueueSize),
			input.WithAsyncDefault(a.cfg.Input.IsAsyncDefault),
			input.WithDuplicatePolicy(duplicates),
			input.WithUnloadPolicy(unload),
			input.WithLogger(logging.Component(a.logger, "input")),
			input.WithMetrics(a.metrics),
		)
		if err := d.Load(id); err != nil {
			_ = closeSrc()
			return nil, err
		}
		// The container holds at most one instance per service.
		closeSource = closeSrc
		return d, nil
	}, func(v any) error {
		err := v.(*input.Dispatcher).Unload()
		if closeSource != nil {
			err = errors.Join(err, closeSource())
			closeSource = nil
		}
		return err
	})
}

// openSource returns the configured input source and a function that
// releases it. A nil source is valid: the dispatcher then accepts
// registrations but Start fails with input.ErrNoSource.
func (a *Application) openSource() (input.Source, func() error, error) {
	noop := func() error { return nil }
	if a.opts.Source != nil {
		return a.opts.Source, noop, nil
	}
	switch a.cfg.Input.Source {
	case config.SourceTerminal:
		screen := a.opts.Screen
		if screen == nil {
			s, err := tcell.NewScreen()
			if err != nil {
				return nil, nil, fmt.Errorf("open terminal: %w", err)
			}
			if err := s.Init(); err != nil {
				return nil, nil, fmt.Errorf("init terminal: %w", err)
			}
			screen = s
		}
		src := input.NewTerminalSource(screen)
		return src, src.Close, nil
	default:
		return nil, noop, nil
	}
}
