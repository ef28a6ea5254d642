package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dshills/modframe/internal/container"
	"github.com/dshills/modframe/internal/dispatch"
	"github.com/dshills/modframe/internal/registry"
)

// Handler is an input handler.
type Handler = registry.Handler[Event]

// NewHandler wraps fn as an input handler.
func NewHandler(fn func(Event)) *Handler {
	return registry.NewHandler(fn)
}

// Key is the registration key within one channel.
type Key struct {
	Name  string
	Index int
	Async bool
}

// SlotName returns the registration name.
func (k Key) SlotName() string { return k.Name }

// SlotIndex returns the ordering index.
func (k Key) SlotIndex() int { return k.Index }

// State is the dispatcher state.
type State int32

const (
	// StateIdle means Start is not running.
	StateIdle State = iota

	// StateRunning means Start is reading and dispatching events.
	StateRunning

	// StateStopping means Stop was called and Start is finishing the
	// current event and draining async deliveries.
	StateStopping
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Dispatcher delivers input events to registered handlers.
type Dispatcher struct {
	cfg config

	mu     sync.Mutex // guards loaded, id, regs and cancel
	loaded bool
	id     container.Identifier
	regs   [channelCount]*registry.Registry[Key, Event]
	cancel context.CancelFunc

	state atomic.Int32
	hard  atomic.Bool

	events  atomic.Uint64
	dropped atomic.Uint64
	panics  atomic.Uint64
}

// New creates an unloaded dispatcher.
func New(opts ...Option) *Dispatcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{cfg: cfg}
}

// AsyncDefault returns the configured default for the async flag.
func (d *Dispatcher) AsyncDefault() bool {
	return d.cfg.asyncDefault
}

// Load prepares the dispatcher for the environment id.
func (d *Dispatcher) Load(id container.Identifier) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return ErrAlreadyLoaded
	}
	for i := range d.regs {
		d.regs[i] = registry.New[Key, Event](registry.WithDuplicatePolicy(d.cfg.duplicates))
	}
	d.id = id
	d.loaded = true
	d.cfg.logger.Debug().Str("identifier", string(id)).Msg("input dispatcher loaded")
	return nil
}

// Unload releases the registries. It fails while Start is executing.
func (d *Dispatcher) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return ErrNotLoaded
	}
	if d.State() != StateIdle {
		return ErrRunning
	}

	remaining := 0
	for _, reg := range d.regs {
		remaining += reg.Len()
	}
	if remaining > 0 {
		if d.cfg.unload == registry.UnloadStrict {
			return fmt.Errorf("unload input: %d %w", remaining, ErrHandlersRemaining)
		}
		d.cfg.logger.Warn().Int("handlers", remaining).Msg("input dispatcher unloaded with handlers still registered")
	}
	for i := range d.regs {
		d.regs[i] = nil
	}
	d.loaded = false
	return nil
}

// Loaded reports whether the dispatcher is loaded.
func (d *Dispatcher) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Identifier returns the environment the dispatcher was loaded for.
func (d *Dispatcher) Identifier() container.Identifier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *Dispatcher) registry(ch Channel) (*registry.Registry[Key, Event], error) {
	if !d.loaded {
		return nil, ErrNotLoaded
	}
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	return d.regs[ch], nil
}

// Push registers h on channel ch under (name, index, async).
func (d *Dispatcher) Push(name string, index int, ch Channel, async bool, h *Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, err := d.registry(ch)
	if err != nil {
		return err
	}
	return reg.Push(Key{Name: name, Index: index, Async: async}, h)
}

// Pop removes the registration matching all of name, index, ch, async and h.
func (d *Dispatcher) Pop(name string, index int, ch Channel, async bool, h *Handler) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, err := d.registry(ch)
	if err != nil {
		return false, err
	}
	return reg.Pop(Key{Name: name, Index: index, Async: async}, h), nil
}

// Handlers returns the registered keys of a channel in dispatch order.
func (d *Dispatcher) Handlers(ch Channel) []Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, err := d.registry(ch)
	if err != nil {
		return nil
	}
	return reg.Keys()
}

// State returns the dispatcher state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Start reads and dispatches events until Stop, HardStop, ctx
// cancellation or the source returning io.EOF. It returns ctx.Err() when
// ctx ended the loop and nil otherwise, unless the source failed.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if !d.loaded {
		d.mu.Unlock()
		return ErrNotLoaded
	}
	if d.cfg.source == nil {
		d.mu.Unlock()
		return ErrNoSource
	}
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	regs := d.regs
	readCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.hard.Store(false)
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
		d.state.Store(int32(StateIdle))
	}()

	log := d.cfg.logger
	pool := dispatch.NewPool(
		dispatch.WithWorkerCount(d.cfg.workers),
		dispatch.WithQueueSize(d.cfg.queueSize),
		dispatch.WithPanicHandler(func(v any, stack []byte) {
			d.panics.Add(1)
			d.cfg.metrics.HandlerPanic("input")
			log.Error().Interface("panic", v).Bytes("stack", stack).Msg("async input handler panicked")
		}),
	)
	if err := pool.Start(); err != nil {
		return err
	}
	log.Debug().Str("identifier", string(d.id)).Msg("input dispatcher started")

	// Queued async deliveries outlive ctx. Only HardStop discards them.
	taskCtx := context.WithoutCancel(ctx)

	var runErr error
	for {
		if d.State() == StateStopping {
			break
		}
		ev, err := d.cfg.source.Next(readCtx)
		if err != nil {
			switch {
			case readCtx.Err() != nil:
			case errors.Is(err, io.EOF):
				log.Debug().Msg("input source exhausted")
			default:
				runErr = fmt.Errorf("input source: %w", err)
			}
			break
		}
		d.dispatch(taskCtx, pool, regs, ev)
	}

	if d.hard.Load() {
		_ = pool.HardStop(context.Background())
	} else {
		_ = pool.Stop(context.Background())
	}
	log.Debug().Uint64("events", d.events.Load()).Msg("input dispatcher stopped")

	if runErr != nil {
		return runErr
	}
	if d.State() != StateStopping && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, pool *dispatch.Pool, regs [channelCount]*registry.Registry[Key, Event], ev Event) {
	if !ev.Channel.Valid() {
		d.cfg.logger.Warn().Int("channel", int(ev.Channel)).Msg("dropping event for unknown channel")
		return
	}
	d.events.Add(1)
	d.cfg.metrics.InputEvent(ev.Channel.String())

	for _, e := range regs[ev.Channel].Snapshot() {
		if !e.Key.Async {
			d.invoke(e, ev)
			continue
		}
		h := e.Handler
		err := pool.Submit(ctx, func() { h.Invoke(ev) })
		switch {
		case err == nil:
			d.cfg.metrics.AsyncEnqueued()
		case errors.Is(err, dispatch.ErrQueueFull):
			d.dropped.Add(1)
			d.cfg.metrics.AsyncDropped()
			d.cfg.logger.Warn().Str("handler", e.Key.Name).Msg("async input queue full, event dropped")
		default:
			d.cfg.logger.Warn().Err(err).Str("handler", e.Key.Name).Msg("async input delivery failed")
		}
	}
}

func (d *Dispatcher) invoke(e registry.Entry[Key, Event], ev Event) {
	defer func() {
		if v := recover(); v != nil {
			d.panics.Add(1)
			d.cfg.metrics.HandlerPanic("input")
			d.cfg.logger.Error().
				Str("handler", e.Key.Name).
				Int("index", e.Key.Index).
				Interface("panic", v).
				Bytes("stack", debug.Stack()).
				Msg("input handler panicked")
		}
	}()
	e.Handler.Invoke(ev)
}

// Stop stops reading events. The event being dispatched completes and
// queued async deliveries drain before Start returns.
func (d *Dispatcher) Stop() error {
	return d.stop(false)
}

// HardStop is like Stop but discards queued async deliveries that have
// not started.
func (d *Dispatcher) HardStop() error {
	return d.stop(true)
}

func (d *Dispatcher) stop(hard bool) error {
	if hard {
		d.hard.Store(true)
	}
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if d.State() == StateStopping {
			return nil
		}
		return ErrNotRunning
	}
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Stats contains dispatcher statistics.
type Stats struct {
	Events       uint64
	AsyncDropped uint64
	Panics       uint64
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Events:       d.events.Load(),
		AsyncDropped: d.dropped.Load(),
		Panics:       d.panics.Load(),
	}
}
