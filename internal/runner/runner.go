package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/modframe/internal/container"
	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/registry"
)

// Handler is a tick handler. It receives the time since the previous cycle.
type Handler = registry.Handler[time.Duration]

// NewHandler wraps fn as a tick handler.
func NewHandler(fn func(elapsed time.Duration)) *Handler {
	return registry.NewHandler(fn)
}

// Runner is the tick scheduler.
type Runner struct {
	cfg config

	mu     sync.Mutex // guards loaded, id and reg
	loaded bool
	id     container.Identifier
	reg    *registry.Registry[registry.Slot, time.Duration]

	state atomic.Int32
	wake  chan struct{}

	cycles atomic.Uint64
	missed atomic.Uint64
	panics atomic.Uint64
}

// New creates an unloaded runner.
func New(opts ...Option) *Runner {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runner{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// Load prepares the runner for the environment id.
func (r *Runner) Load(id container.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return ErrAlreadyLoaded
	}
	if r.cfg.tickBus != nil {
		if err := r.cfg.tickBus.Create(r.cfg.tickChannel); err != nil {
			return fmt.Errorf("create tick channel: %w", err)
		}
	}
	r.reg = registry.New[registry.Slot, time.Duration](registry.WithDuplicatePolicy(r.cfg.duplicates))
	r.id = id
	r.loaded = true
	r.cfg.logger.Debug().Str("identifier", string(id)).Msg("runner loaded")
	return nil
}

// Unload releases the registry. It fails while the loop is executing.
func (r *Runner) Unload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return ErrNotLoaded
	}
	if r.State() != StateIdle {
		return ErrRunning
	}
	if n := r.reg.Len(); n > 0 {
		if r.cfg.unload == registry.UnloadStrict {
			return fmt.Errorf("unload runner: %d %w", n, ErrHandlersRemaining)
		}
		r.cfg.logger.Warn().Int("handlers", n).Msg("runner unloaded with handlers still registered")
		r.reg.Clear()
	}
	if r.cfg.tickBus != nil {
		if err := r.cfg.tickBus.Destroy(r.cfg.tickChannel); err != nil && !errors.Is(err, event.ErrChannelNotFound) {
			r.cfg.logger.Warn().Err(err).Msg("destroy tick channel")
		}
	}
	r.reg = nil
	r.loaded = false
	r.cfg.logger.Debug().Str("identifier", string(r.id)).Msg("runner unloaded")
	return nil
}

// Loaded reports whether Load has been called without a matching Unload.
func (r *Runner) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Identifier returns the environment the runner was loaded for.
func (r *Runner) Identifier() container.Identifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Push registers h under (name, index).
func (r *Runner) Push(name string, index int, h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return ErrNotLoaded
	}
	return r.reg.Push(registry.Slot{Name: name, Index: index}, h)
}

// Pop removes the exact (name, index, h) registration.
func (r *Runner) Pop(name string, index int, h *Handler) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return false, ErrNotLoaded
	}
	return r.reg.Pop(registry.Slot{Name: name, Index: index}, h), nil
}

// Handlers returns the registered slots in dispatch order.
func (r *Runner) Handlers() []registry.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return nil
	}
	return r.reg.Keys()
}

// State returns the scheduler state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Start runs the loop on the calling goroutine until Stop is called or
// ctx is done. It returns nil after Stop and ctx.Err() after cancellation.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return ErrNotLoaded
	}
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	reg := r.reg
	select {
	case <-r.wake:
	default:
	}
	r.mu.Unlock()

	defer r.state.Store(int32(StateIdle))

	log := r.cfg.logger
	log.Debug().Dur("interval", r.cfg.interval).Msg("runner started")

	prev := r.cfg.now()
	for {
		if r.State() == StateStopping {
			log.Debug().Uint64("cycles", r.cycles.Load()).Msg("runner stopped")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		start := r.cfg.now()
		elapsed := start.Sub(prev)
		prev = start

		r.cycle(reg, elapsed)

		took := r.cfg.now().Sub(start)
		missed := r.cfg.interval > 0 && took > r.cfg.interval
		if missed {
			r.missed.Add(1)
		}
		r.cycles.Add(1)
		r.cfg.metrics.ObserveCycle(took, missed)

		switch {
		case r.cfg.interval > 0 && !missed:
			r.sleep(ctx, r.cfg.interval-took)
		case r.cfg.interval == 0:
			runtime.Gosched()
		}
	}
}

func (r *Runner) cycle(reg *registry.Registry[registry.Slot, time.Duration], elapsed time.Duration) {
	for _, e := range reg.Snapshot() {
		r.invoke(e, elapsed)
	}
	if r.cfg.tickBus != nil {
		if err := r.cfg.tickBus.Call(r.cfg.tickChannel, elapsed); err != nil {
			r.cfg.logger.Debug().Err(err).Str("channel", r.cfg.tickChannel).Msg("tick channel call failed")
		}
	}
}

func (r *Runner) invoke(e registry.Entry[registry.Slot, time.Duration], elapsed time.Duration) {
	defer func() {
		if v := recover(); v != nil {
			r.panics.Add(1)
			r.cfg.metrics.HandlerPanic("runner")
			r.cfg.logger.Error().
				Str("handler", e.Key.Name).
				Int("index", e.Key.Index).
				Interface("panic", v).
				Bytes("stack", debug.Stack()).
				Msg("runner handler panicked")
		}
	}()
	e.Handler.Invoke(elapsed)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.wake:
	case <-ctx.Done():
	}
}

// Stop requests the loop to exit after the current cycle. It never
// interrupts a handler and may be called from inside one.
func (r *Runner) Stop() error {
	if !r.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if r.State() == StateStopping {
			return nil
		}
		return ErrNotRunning
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stats contains runner statistics.
type Stats struct {
	Cycles          uint64
	MissedDeadlines uint64
	Panics          uint64
}

// Stats returns runner statistics.
func (r *Runner) Stats() Stats {
	return Stats{
		Cycles:          r.cycles.Load(),
		MissedDeadlines: r.missed.Load(),
		Panics:          r.panics.Load(),
	}
}
