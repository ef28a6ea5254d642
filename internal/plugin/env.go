package plugin

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/container"
	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/input"
	"github.com/dshills/modframe/internal/lifecycle"
	"github.com/dshills/modframe/internal/runner"
)

// Service names under which the shared subsystems are provided.
const (
	RunnerService = "runner"
	InputService  = "input"
)

// Env is the environment handed to a plugin at Initialize.
type Env struct {
	name   string
	c      *container.Container
	coord  *lifecycle.Coordinator
	logger zerolog.Logger

	mu     sync.Mutex
	runner *runner.Runner
	input  *input.Dispatcher
	stream *event.Stream[any]
}

func newEnv(name string, c *container.Container, coord *lifecycle.Coordinator, logger zerolog.Logger) *Env {
	return &Env{name: name, c: c, coord: coord, logger: logger}
}

// Name returns the plugin name.
func (e *Env) Name() string { return e.name }

// Identifier returns the environment token.
func (e *Env) Identifier() container.Identifier { return e.c.Identifier() }

// Logger returns the plugin logger.
func (e *Env) Logger() zerolog.Logger { return e.logger }

// Container returns the shared container.
func (e *Env) Container() *container.Container { return e.c }

// Coordinator returns the shared coordinator.
func (e *Env) Coordinator() *lifecycle.Coordinator { return e.coord }

// Runner acquires the shared runner. Each plugin holds at most one
// reference.
func (e *Env) Runner() (*runner.Runner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner != nil {
		return nil, fmt.Errorf("runner: %w", ErrAlreadyLoaded)
	}
	r, err := container.Acquire[*runner.Runner](e.c, RunnerService)
	if err != nil {
		return nil, err
	}
	e.runner = r
	return r, nil
}

// HeldRunner returns the runner held by the plugin, or nil.
func (e *Env) HeldRunner() *runner.Runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runner
}

// ReleaseRunner drops the plugin's runner reference.
func (e *Env) ReleaseRunner() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner == nil {
		return fmt.Errorf("runner: %w", ErrNotLoaded)
	}
	e.runner = nil
	return e.c.Release(RunnerService)
}

// Input acquires the shared input dispatcher. Each plugin holds at most
// one reference.
func (e *Env) Input() (*input.Dispatcher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.input != nil {
		return nil, fmt.Errorf("input: %w", ErrAlreadyLoaded)
	}
	d, err := container.Acquire[*input.Dispatcher](e.c, InputService)
	if err != nil {
		return nil, err
	}
	e.input = d
	return d, nil
}

// HeldInput returns the dispatcher held by the plugin, or nil.
func (e *Env) HeldInput() *input.Dispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input
}

// ReleaseInput drops the plugin's input reference.
func (e *Env) ReleaseInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.input == nil {
		return fmt.Errorf("input: %w", ErrNotLoaded)
	}
	e.input = nil
	return e.c.Release(InputService)
}

// Events returns the plugin's stream on the shared bus, opening it on
// first use. A released stream is replaced by a fresh one.
func (e *Env) Events() (*event.Stream[any], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil && !e.stream.Released() {
		return e.stream, nil
	}
	s, err := container.OpenStream[any](e.c, e.name)
	if err != nil {
		return nil, err
	}
	e.stream = s
	return s, nil
}

// cleanup releases whatever the plugin still holds.
func (e *Env) cleanup() error {
	e.mu.Lock()
	r, in, s := e.runner, e.input, e.stream
	e.runner, e.input, e.stream = nil, nil, nil
	e.mu.Unlock()

	var errs []error
	if s != nil && !s.Released() {
		e.logger.Warn().Strs("channels", s.Owned()).Msg("releasing event stream left open")
		if err := s.RequestDelete(); err != nil && !errors.Is(err, event.ErrStreamReleased) {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if r != nil {
		e.logger.Warn().Msg("releasing runner left loaded")
		if err := e.c.Release(RunnerService); err != nil {
			errs = append(errs, fmt.Errorf("runner: %w", err))
		}
	}
	if in != nil {
		e.logger.Warn().Msg("releasing input left loaded")
		if err := e.c.Release(InputService); err != nil {
			errs = append(errs, fmt.Errorf("input: %w", err))
		}
	}
	return errors.Join(errs...)
}
