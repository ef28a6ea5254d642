package event

import (
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Bus is a set of named channels carrying payloads of type T.
// It is safe for concurrent use.
type Bus[T any] struct {
	cfg busConfig

	mu       sync.RWMutex
	channels map[string]*channel[T]

	calls  atomic.Uint64
	panics atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus[T any](opts ...BusOption) *Bus[T] {
	cfg := defaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus[T]{
		cfg:      cfg,
		channels: make(map[string]*channel[T]),
	}
}

// Create adds a channel named name.
func (b *Bus[T]) Create(name string) error {
	_, err := b.create(name)
	return err
}

func (b *Bus[T]) create(name string) (*channel[T], error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	b.mu.Lock()
	if _, ok := b.channels[name]; ok {
		b.mu.Unlock()
		return nil, channelError(name, ErrChannelExists)
	}
	ch := newChannel[T](name)
	b.channels[name] = ch
	b.mu.Unlock()

	b.cfg.logger.Debug().Str("channel", name).Uint64("serial", ch.serial).Msg("channel created")
	if b.cfg.onCreate != nil {
		b.cfg.onCreate(name)
	}
	return ch, nil
}

// Destroy removes the channel and all of its subscriptions. Calls already
// in progress finish against their snapshot.
func (b *Bus[T]) Destroy(name string) error {
	return b.destroy(name, 0)
}

// destroy removes name. A non-zero serial restricts removal to that
// channel instance.
func (b *Bus[T]) destroy(name string, serial uint64) error {
	b.mu.Lock()
	ch, ok := b.channels[name]
	if !ok || (serial != 0 && ch.serial != serial) {
		b.mu.Unlock()
		return channelError(name, ErrChannelNotFound)
	}
	delete(b.channels, name)
	b.mu.Unlock()

	ch.clear()
	b.cfg.logger.Debug().Str("channel", name).Msg("channel destroyed")
	return nil
}

func (b *Bus[T]) lookup(name string) (*channel[T], error) {
	b.mu.RLock()
	ch, ok := b.channels[name]
	b.mu.RUnlock()
	if !ok {
		return nil, channelError(name, ErrChannelNotFound)
	}
	return ch, nil
}

// Has reports whether a channel named name exists.
func (b *Bus[T]) Has(name string) bool {
	_, err := b.lookup(name)
	return err == nil
}

// Subscribe appends fn to the channel.
func (b *Bus[T]) Subscribe(name string, fn Func[T]) (SubscriptionID, error) {
	ids, err := b.SubscribeAll(name, fn)
	if err != nil {
		return SubscriptionID{}, err
	}
	return ids[0], nil
}

// SubscribeAll appends fns in order and returns one id per handler.
// The ids are assigned contiguously; no other subscription on the same
// channel can interleave with the batch.
func (b *Bus[T]) SubscribeAll(name string, fns ...Func[T]) ([]SubscriptionID, error) {
	for _, fn := range fns {
		if fn == nil {
			return nil, ErrNilHandler
		}
	}
	ch, err := b.lookup(name)
	if err != nil {
		return nil, err
	}
	if len(fns) == 0 {
		return []SubscriptionID{}, nil
	}
	return ch.add(fns), nil
}

// Unsubscribe removes one subscription. It reports false for an id the
// channel does not hold; the error is reserved for a missing channel.
func (b *Bus[T]) Unsubscribe(name string, id SubscriptionID) (bool, error) {
	missing, err := b.UnsubscribeAll(name, id)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// UnsubscribeAll removes every listed subscription and returns the ids
// that were not found. Unknown ids do not stop the removal of the others.
func (b *Bus[T]) UnsubscribeAll(name string, ids ...SubscriptionID) ([]SubscriptionID, error) {
	ch, err := b.lookup(name)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ch.remove(ids), nil
}

// Call invokes every subscriber of the channel with payload, sequentially
// and in subscription order.
func (b *Bus[T]) Call(name string, payload T) error {
	ch, err := b.lookup(name)
	if err != nil {
		return err
	}
	b.calls.Add(1)
	b.cfg.metrics.EventCall(name)

	var errs []error
	for _, s := range ch.snapshot() {
		if perr := b.invoke(ch.name, s, payload); perr != nil {
			errs = append(errs, perr)
		}
	}
	return errors.Join(errs...)
}

// CallConcurrent invokes every subscriber on its own goroutine and waits
// for all of them.
func (b *Bus[T]) CallConcurrent(name string, payload T) error {
	ch, err := b.lookup(name)
	if err != nil {
		return err
	}
	b.calls.Add(1)
	b.cfg.metrics.EventCall(name)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, s := range ch.snapshot() {
		g.Go(func() error {
			if perr := b.invoke(ch.name, s, payload); perr != nil {
				mu.Lock()
				errs = append(errs, perr)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (b *Bus[T]) invoke(name string, s subscriber[T], payload T) (perr *PanicError) {
	defer func() {
		if r := recover(); r != nil {
			perr = &PanicError{
				Channel:      name,
				Subscription: s.id,
				Value:        r,
				Stack:        string(debug.Stack()),
			}
			b.panics.Add(1)
			b.cfg.metrics.HandlerPanic("event")
			b.cfg.logger.Error().
				Str("channel", name).
				Stringer("subscription", s.id).
				Interface("panic", r).
				Msg("event handler panicked")
			if b.cfg.panicHandler != nil {
				func() {
					defer func() { _ = recover() }()
					b.cfg.panicHandler(perr)
				}()
			}
		}
	}()
	s.fn(payload)
	return nil
}

// Channels returns the channel names in sorted order.
func (b *Bus[T]) Channels() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Subscribers returns the number of subscriptions on the channel.
func (b *Bus[T]) Subscribers(name string) (int, error) {
	ch, err := b.lookup(name)
	if err != nil {
		return 0, err
	}
	return len(ch.snapshot()), nil
}

// Serial returns the instance serial of the channel. A channel destroyed
// and created again under the same name gets a new serial.
func (b *Bus[T]) Serial(name string) (uint64, error) {
	ch, err := b.lookup(name)
	if err != nil {
		return 0, err
	}
	return ch.serial, nil
}

// Stats contains bus statistics.
type Stats struct {
	Channels int
	Calls    uint64
	Panics   uint64
}

// Stats returns bus statistics.
func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	n := len(b.channels)
	b.mu.RUnlock()
	return Stats{
		Channels: n,
		Calls:    b.calls.Load(),
		Panics:   b.panics.Load(),
	}
}

// Logger returns the bus logger.
func (b *Bus[T]) Logger() zerolog.Logger {
	return b.cfg.logger
}
