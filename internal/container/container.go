// Package container holds the per-environment shared instances that
// plugins acquire: subsystems such as the runner and input dispatcher,
// and one event bus per payload type.
//
// Instances are reference counted. The first Acquire opens the instance
// through its registered factory and the last Release closes it.
package container

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/event"
)

// Identifier is the opaque environment token supplied by the host.
type Identifier string

// Sentinel errors for container operations.
var (
	ErrAlreadyProvided = errors.New("service already provided")
	ErrNotProvided     = errors.New("service not provided")
	ErrNotAcquired     = errors.New("service not acquired")
	ErrTypeMismatch    = errors.New("service type mismatch")
	ErrClosed          = errors.New("container closed")
)

// Factory opens a service instance for an environment.
type Factory func(id Identifier) (any, error)

// Closer releases a service instance.
type Closer func(v any) error

type provider struct {
	open  Factory
	close Closer
}

type instance struct {
	value any
	refs  int
}

type busEntry struct {
	bus     any
	streams int
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the container logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Container) {
		c.logger = l
	}
}

// WithBusOptions sets the options applied to every bus the container creates.
func WithBusOptions(opts ...event.BusOption) Option {
	return func(c *Container) {
		c.busOpts = append(c.busOpts, opts...)
	}
}

// Container is safe for concurrent use.
type Container struct {
	id      Identifier
	logger  zerolog.Logger
	busOpts []event.BusOption

	mu        sync.Mutex
	closed    bool
	providers map[string]provider
	instances map[string]*instance
	order     []string // acquisition order of live instances
	buses     map[reflect.Type]*busEntry
}

// New creates a container for id.
func New(id Identifier, opts ...Option) *Container {
	c := &Container{
		id:        id,
		logger:    zerolog.Nop(),
		providers: make(map[string]provider),
		instances: make(map[string]*instance),
		buses:     make(map[reflect.Type]*busEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identifier returns the environment token.
func (c *Container) Identifier() Identifier {
	return c.id
}

// Provide registers the factory and closer for a named service.
func (c *Container) Provide(name string, open Factory, close Closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.providers[name]; ok {
		return fmt.Errorf("service %q: %w", name, ErrAlreadyProvided)
	}
	c.providers[name] = provider{open: open, close: close}
	return nil
}

// Acquire returns the shared instance of a named service, opening it on
// first use.
func Acquire[T any](c *Container, name string) (T, error) {
	var zero T
	v, err := c.acquire(name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		// Undo the reference taken above.
		_ = c.Release(name)
		return zero, fmt.Errorf("service %q is %T: %w", name, v, ErrTypeMismatch)
	}
	return typed, nil
}

func (c *Container) acquire(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if inst, ok := c.instances[name]; ok {
		inst.refs++
		return inst.value, nil
	}
	p, ok := c.providers[name]
	if !ok {
		return nil, fmt.Errorf("service %q: %w", name, ErrNotProvided)
	}
	v, err := p.open(c.id)
	if err != nil {
		return nil, fmt.Errorf("open service %q: %w", name, err)
	}
	c.instances[name] = &instance{value: v, refs: 1}
	c.order = append(c.order, name)
	c.logger.Debug().Str("service", name).Msg("service opened")
	return v, nil
}

// Release drops one reference and closes the instance at zero.
func (c *Container) Release(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[name]
	if !ok {
		return fmt.Errorf("service %q: %w", name, ErrNotAcquired)
	}
	inst.refs--
	if inst.refs > 0 {
		return nil
	}
	return c.closeLocked(name, inst)
}

func (c *Container) closeLocked(name string, inst *instance) error {
	delete(c.instances, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.logger.Debug().Str("service", name).Msg("service closed")
	if p := c.providers[name]; p.close != nil {
		if err := p.close(inst.value); err != nil {
			return fmt.Errorf("close service %q: %w", name, err)
		}
	}
	return nil
}

// Refs returns the current reference count of a service.
func (c *Container) Refs(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[name]; ok {
		return inst.refs
	}
	return 0
}

// Services returns the names of open services in sorted order.
func (c *Container) Services() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.instances))
	for name := range c.instances {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// Bus returns the container's bus for payload type T, creating it on
// first use.
func Bus[T any](c *Container) *event.Bus[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return busLocked[T](c).bus.(*event.Bus[T])
}

func busLocked[T any](c *Container) *busEntry {
	key := reflect.TypeFor[T]()
	e, ok := c.buses[key]
	if !ok {
		e = &busEntry{bus: event.NewBus[T](c.busOpts...)}
		c.buses[key] = e
	}
	return e
}

// OpenStream opens a stream on the bus for payload type T. The stream
// count drops when the stream is released.
func OpenStream[T any](c *Container, owner string) (*event.Stream[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	e := busLocked[T](c)
	e.streams++
	bus := e.bus.(*event.Bus[T])
	return bus.OpenStream(owner, event.WithReleaseHook(func() {
		c.mu.Lock()
		e.streams--
		c.mu.Unlock()
	})), nil
}

// Streams returns the number of open streams on the bus for payload type T.
func Streams[T any](c *Container) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.buses[reflect.TypeFor[T]()]; ok {
		return e.streams
	}
	return 0
}

// Close closes every open service in reverse acquisition order,
// regardless of reference counts. Leaked references are logged.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		inst := c.instances[name]
		c.logger.Warn().Str("service", name).Int("refs", inst.refs).Msg("closing service with live references")
		if err := c.closeLocked(name, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
