package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/container"
	"github.com/dshills/modframe/internal/lifecycle"
	"github.com/dshills/modframe/internal/logging"
	"github.com/dshills/modframe/internal/metrics"
)

// Manager loads plugins and drives their lifecycles.
type Manager struct {
	mu sync.RWMutex

	c     *container.Container
	coord *lifecycle.Coordinator

	loader    *Loader
	scripts   ScriptFactory
	factories map[string]Factory

	// Loaded plugins by name
	hosts map[string]*Host

	// Load order for deterministic release
	loadOrder []string

	// Event handlers by subscription number
	handlers map[uint64]EventHandler
	nextSub  uint64

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// EventHandler is called for manager events.
type EventHandler func(event ManagerEvent)

// ManagerEvent represents a plugin manager event.
type ManagerEvent struct {
	Type   ManagerEventType
	Plugin string
	Error  error
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventPluginLoaded is emitted when a plugin initialized.
	EventPluginLoaded ManagerEventType = iota
	// EventPluginStarted is emitted when a plugin's Start returned.
	EventPluginStarted
	// EventPluginStopped is emitted when a plugin stopped.
	EventPluginStopped
	// EventPluginReleased is emitted when a plugin was released.
	EventPluginReleased
	// EventPluginError is emitted when a lifecycle call failed.
	EventPluginError
)

// String returns a string representation of the event type.
func (t ManagerEventType) String() string {
	switch t {
	case EventPluginLoaded:
		return "loaded"
	case EventPluginStarted:
		return "started"
	case EventPluginStopped:
		return "stopped"
	case EventPluginReleased:
		return "released"
	case EventPluginError:
		return "error"
	default:
		return "unknown"
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLoader sets the script loader.
func WithLoader(l *Loader) ManagerOption {
	return func(m *Manager) {
		m.loader = l
	}
}

// WithScriptFactory sets the factory for plugins found by the loader.
func WithScriptFactory(f ScriptFactory) ManagerOption {
	return func(m *Manager) {
		m.scripts = f
	}
}

// WithManagerLogger sets the manager logger. Plugin loggers derive from it.
func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithManagerMetrics sets the metrics sink.
func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a plugin manager over the shared container.
func NewManager(c *container.Container, coord *lifecycle.Coordinator, opts ...ManagerOption) *Manager {
	m := &Manager{
		c:         c,
		coord:     coord,
		factories: make(map[string]Factory),
		hosts:     make(map[string]*Host),
		handlers:  make(map[uint64]EventHandler),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.loader == nil {
		m.loader = NewLoader()
	}
	if m.coord == nil {
		m.coord = lifecycle.New(lifecycle.Synchronous, 1)
	}
	return m
}

// Register adds a factory for a Go plugin.
func (m *Manager) Register(name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("plugin %q: %w", name, ErrNilPlugin)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.factories[name]; exists {
		return fmt.Errorf("plugin %q: %w", name, ErrAlreadyRegistered)
	}
	m.factories[name] = f
	return nil
}

// Loader returns the script loader.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// Available returns every loadable name: registered factories and
// discovered scripts, sorted.
func (m *Manager) Available() ([]string, error) {
	infos, err := m.loader.Discover()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	m.mu.RLock()
	for name := range m.factories {
		seen[name] = struct{}{}
	}
	m.mu.RUnlock()
	for _, info := range infos {
		seen[info.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) build(name string) (Plugin, error) {
	m.mu.RLock()
	f, ok := m.factories[name]
	m.mu.RUnlock()
	if ok {
		return f(name)
	}
	if m.scripts == nil {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	info, err := m.loader.Find(name)
	if err != nil {
		return nil, err
	}
	return m.scripts(info)
}

// Load builds the named plugin and initializes it. A plugin whose
// Initialize fails stays loaded in StateError until released.
func (m *Manager) Load(ctx context.Context, name string) error {
	m.mu.RLock()
	_, exists := m.hosts[name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("plugin %q: %w", name, ErrAlreadyLoaded)
	}

	p, err := m.build(name)
	if err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}
	log := logging.Plugin(m.logger, name)
	env := newEnv(name, m.c, m.coord, log)
	host, err := NewHost(name, p, env, WithHostLogger(log), WithHostMetrics(m.metrics))
	if err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}

	m.mu.Lock()
	// Double-check after acquiring write lock
	if _, exists := m.hosts[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", name, ErrAlreadyLoaded)
	}
	m.hosts[name] = host
	m.loadOrder = append(m.loadOrder, name)
	m.mu.Unlock()

	if err := host.Initialize(ctx); err != nil {
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: name, Error: err})
		return err
	}
	m.emitEvent(ManagerEvent{Type: EventPluginLoaded, Plugin: name})
	return nil
}

// LoadAll loads names in order. Every name is attempted.
func (m *Manager) LoadAll(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		if err := m.Load(ctx, name); err != nil {
			m.logger.Warn().Err(err).Str("plugin", name).Msg("plugin failed to load")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// hostsInOrder returns hosts in load order, optionally filtered by state.
func (m *Manager) hostsInOrder(keep func(State) bool) []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hosts := make([]*Host, 0, len(m.loadOrder))
	for _, name := range m.loadOrder {
		h := m.hosts[name]
		if keep == nil || keep(h.State()) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// StartAll starts every startable plugin through the coordinator and
// returns once all Start calls returned.
func (m *Manager) StartAll(ctx context.Context) error {
	hosts := m.hostsInOrder(State.CanStart)
	fns := make([]lifecycle.Func, 0, len(hosts))
	for _, h := range hosts {
		fns = append(fns, func(ctx context.Context) error {
			err := h.Start(ctx)
			m.report(h.Name(), EventPluginStarted, err)
			return err
		})
	}
	m.logger.Debug().Int("plugins", len(fns)).Stringer("mode", m.coord.Mode()).Msg("starting plugins")
	return m.coord.Run(ctx, fns...)
}

// StopAll stops every running plugin through the coordinator.
func (m *Manager) StopAll(ctx context.Context) error {
	hosts := m.hostsInOrder(func(s State) bool { return s == StateRunning })
	fns := make([]lifecycle.Func, 0, len(hosts))
	for _, h := range hosts {
		fns = append(fns, func(ctx context.Context) error {
			err := h.Stop(ctx)
			m.report(h.Name(), EventPluginStopped, err)
			return err
		})
	}
	m.logger.Debug().Int("plugins", len(fns)).Msg("stopping plugins")
	return m.coord.Run(ctx, fns...)
}

// Unload stops the plugin if it is running, releases it and forgets it.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.RLock()
	h, ok := m.hosts[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotLoaded)
	}
	err := m.finish(ctx, h)

	m.mu.Lock()
	delete(m.hosts, name)
	m.removeFromLoadOrder(name)
	m.mu.Unlock()
	return err
}

// ReleaseAll releases every plugin in reverse load order.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, len(m.loadOrder))
	copy(names, m.loadOrder)
	m.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.Unload(ctx, names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to release %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, h *Host) error {
	var errs []error
	if h.State() == StateRunning {
		err := h.Stop(ctx)
		m.report(h.Name(), EventPluginStopped, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if h.State() != StateReleased {
		err := h.Release(ctx)
		m.report(h.Name(), EventPluginReleased, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) report(name string, ok ManagerEventType, err error) {
	if err != nil {
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: name, Error: err})
		return
	}
	m.emitEvent(ManagerEvent{Type: ok, Plugin: name})
}

// Host returns the host of a loaded plugin.
func (m *Manager) Host(name string) (*Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[name]
	return h, ok
}

// Names returns loaded plugin names in load order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.loadOrder))
	copy(names, m.loadOrder)
	return names
}

// States returns the state of every loaded plugin.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make(map[string]State, len(m.hosts))
	for name, h := range m.hosts {
		states[name] = h.State()
	}
	return states
}

// Status describes a loaded plugin.
type Status struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Statuses returns the status of every loaded plugin in load order.
func (m *Manager) Statuses() []Status {
	hosts := m.hostsInOrder(nil)
	out := make([]Status, 0, len(hosts))
	for _, h := range hosts {
		st := Status{Name: h.Name(), State: h.State().String()}
		if err := h.Error(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hosts)
}

// OnEvent registers a handler for manager events and returns a function
// that removes it.
func (m *Manager) OnEvent(handler EventHandler) func() {
	if handler == nil {
		return func() {} // No-op for nil handlers
	}

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.handlers[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// emitEvent calls handlers in subscription order outside the lock.
func (m *Manager) emitEvent(event ManagerEvent) {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.handlers[id])
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					m.logger.Error().Interface("panic", v).Stringer("event", event.Type).Msg("manager event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}

// removeFromLoadOrder removes a name from the load order slice.
// Must be called with mu held.
func (m *Manager) removeFromLoadOrder(name string) {
	for i, n := range m.loadOrder {
		if n == name {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			return
		}
	}
}
