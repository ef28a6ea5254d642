package event

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Stream is an owning handle on a Bus. It records the channels created and
// the subscriptions made through it, so RequestDelete can release them
// together.
type Stream[T any] struct {
	bus   *Bus[T]
	id    uuid.UUID
	owner string

	mu        sync.Mutex
	released  bool
	channels  map[string]uint64 // name -> serial created by this stream
	subs      map[SubscriptionID]string
	onRelease func()
}

// StreamOption configures a Stream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	onRelease func()
}

// WithReleaseHook registers fn to run once when the stream is released.
func WithReleaseHook(fn func()) StreamOption {
	return func(c *streamConfig) {
		c.onRelease = fn
	}
}

// OpenStream returns a new stream on b owned by owner.
func (b *Bus[T]) OpenStream(owner string, opts ...StreamOption) *Stream[T] {
	var cfg streamConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Stream[T]{
		bus:       b,
		id:        uuid.New(),
		owner:     owner,
		channels:  make(map[string]uint64),
		subs:      make(map[SubscriptionID]string),
		onRelease: cfg.onRelease,
	}
}

// ID returns the stream id.
func (s *Stream[T]) ID() uuid.UUID { return s.id }

// Owner returns the owner name given at open.
func (s *Stream[T]) Owner() string { return s.owner }

// Bus returns the underlying bus.
func (s *Stream[T]) Bus() *Bus[T] { return s.bus }

// Released reports whether RequestDelete has run.
func (s *Stream[T]) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Create creates a channel owned by this stream.
func (s *Stream[T]) Create(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrStreamReleased
	}
	ch, err := s.bus.create(name)
	if err != nil {
		return err
	}
	s.channels[name] = ch.serial
	return nil
}

// Destroy destroys a channel by name, whether or not this stream created it.
func (s *Stream[T]) Destroy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrStreamReleased
	}
	if err := s.bus.Destroy(name); err != nil {
		return err
	}
	delete(s.channels, name)
	for id, ch := range s.subs {
		if ch == name {
			delete(s.subs, id)
		}
	}
	return nil
}

// Subscribe subscribes fn to the channel.
func (s *Stream[T]) Subscribe(name string, fn Func[T]) (SubscriptionID, error) {
	ids, err := s.SubscribeAll(name, fn)
	if err != nil {
		return SubscriptionID{}, err
	}
	return ids[0], nil
}

// SubscribeAll subscribes fns to the channel in order.
func (s *Stream[T]) SubscribeAll(name string, fns ...Func[T]) ([]SubscriptionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrStreamReleased
	}
	ids, err := s.bus.SubscribeAll(name, fns...)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.subs[id] = name
	}
	return ids, nil
}

// Unsubscribe removes one subscription.
func (s *Stream[T]) Unsubscribe(name string, id SubscriptionID) (bool, error) {
	missing, err := s.UnsubscribeAll(name, id)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// UnsubscribeAll removes the listed subscriptions and returns the unknown ids.
func (s *Stream[T]) UnsubscribeAll(name string, ids ...SubscriptionID) ([]SubscriptionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrStreamReleased
	}
	missing, err := s.bus.UnsubscribeAll(name, ids...)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		delete(s.subs, id)
	}
	return missing, nil
}

// Call calls the channel sequentially.
func (s *Stream[T]) Call(name string, payload T) error {
	if s.Released() {
		return ErrStreamReleased
	}
	return s.bus.Call(name, payload)
}

// CallConcurrent calls the channel with one goroutine per subscriber.
func (s *Stream[T]) CallConcurrent(name string, payload T) error {
	if s.Released() {
		return ErrStreamReleased
	}
	return s.bus.CallConcurrent(name, payload)
}

// Owned returns the names of channels created through this stream that
// have not been destroyed through it.
func (s *Stream[T]) Owned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	return names
}

// RequestDelete removes the stream's remaining subscriptions, destroys
// the channels it created and releases the handle. Channels of the same
// name recreated by someone else are left alone.
func (s *Stream[T]) RequestDelete() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrStreamReleased
	}
	s.released = true

	byChannel := make(map[string][]SubscriptionID)
	for id, name := range s.subs {
		byChannel[name] = append(byChannel[name], id)
	}
	channels := s.channels
	s.subs = nil
	s.channels = nil
	hook := s.onRelease
	s.mu.Unlock()

	for name, ids := range byChannel {
		if _, owned := channels[name]; owned {
			continue
		}
		// The channel may already be gone.
		_, _ = s.bus.UnsubscribeAll(name, ids...)
	}

	var errs []error
	for name, serial := range channels {
		if err := s.bus.destroy(name, serial); err != nil && !errors.Is(err, ErrChannelNotFound) {
			errs = append(errs, err)
		}
	}

	s.bus.cfg.logger.Debug().
		Str("owner", s.owner).
		Stringer("stream", s.id).
		Int("channels", len(channels)).
		Msg("stream released")

	if hook != nil {
		hook()
	}
	return errors.Join(errs...)
}
