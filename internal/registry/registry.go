package registry

import (
	"sync"
	"sync/atomic"
)

// Entry is one binding in a registry snapshot.
type Entry[K Keyed, A any] struct {
	Key     K
	Handler *Handler[A]

	seq uint64
}

// Option configures a Registry.
type Option func(*config)

type config struct {
	duplicates DuplicatePolicy
}

// WithDuplicatePolicy sets the duplicate policy.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(c *config) {
		c.duplicates = p
	}
}

// Registry is an ordered, copy-on-write handler registry.
// It is safe for concurrent use.
type Registry[K Keyed, A any] struct {
	mu      sync.Mutex // serialises writers
	entries atomic.Pointer[[]Entry[K, A]]
	seq     uint64
	version atomic.Uint64

	duplicates DuplicatePolicy
}

// New creates an empty registry.
func New[K Keyed, A any](opts ...Option) *Registry[K, A] {
	cfg := config{duplicates: DuplicateAppend}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Registry[K, A]{duplicates: cfg.duplicates}
	empty := []Entry[K, A]{}
	r.entries.Store(&empty)
	return r
}

// Policy returns the configured duplicate policy.
func (r *Registry[K, A]) Policy() DuplicatePolicy {
	return r.duplicates
}

// Push binds h to key.
func (r *Registry[K, A]) Push(key K, h *Handler[A]) error {
	if key.SlotName() == "" {
		return ErrInvalidSlot
	}
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.entries.Load()
	existing := -1
	for i, e := range cur {
		if e.Key != key {
			continue
		}
		if e.Handler == h {
			return ErrDuplicateBinding
		}
		if existing < 0 {
			existing = i
		}
	}

	if existing >= 0 && r.duplicates == DuplicateReplace {
		next := make([]Entry[K, A], len(cur))
		copy(next, cur)
		next[existing].Handler = h
		r.publish(next)
		return nil
	}

	r.seq++
	entry := Entry[K, A]{Key: key, Handler: h, seq: r.seq}

	// New entries carry the highest seq, so they go after every entry
	// whose index is <= theirs.
	pos := len(cur)
	for i, e := range cur {
		if e.Key.SlotIndex() > key.SlotIndex() {
			pos = i
			break
		}
	}

	next := make([]Entry[K, A], 0, len(cur)+1)
	next = append(next, cur[:pos]...)
	next = append(next, entry)
	next = append(next, cur[pos:]...)
	r.publish(next)
	return nil
}

// Pop removes the binding of h to key and reports whether one existed.
func (r *Registry[K, A]) Pop(key K, h *Handler[A]) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.entries.Load()
	for i, e := range cur {
		if e.Key == key && e.Handler == h {
			next := make([]Entry[K, A], 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			r.publish(next)
			return true
		}
	}
	return false
}

// Snapshot returns the current bindings in dispatch order.
// The returned slice is shared and must not be modified.
func (r *Registry[K, A]) Snapshot() []Entry[K, A] {
	return *r.entries.Load()
}

// Len returns the number of bindings.
func (r *Registry[K, A]) Len() int {
	return len(*r.entries.Load())
}

// Keys returns the distinct keys in dispatch order.
func (r *Registry[K, A]) Keys() []K {
	snap := r.Snapshot()
	seen := make(map[K]struct{}, len(snap))
	keys := make([]K, 0, len(snap))
	for _, e := range snap {
		if _, ok := seen[e.Key]; ok {
			continue
		}
		seen[e.Key] = struct{}{}
		keys = append(keys, e.Key)
	}
	return keys
}

// Clear removes all bindings and returns how many were removed.
func (r *Registry[K, A]) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(*r.entries.Load())
	if n > 0 {
		r.publish([]Entry[K, A]{})
	}
	return n
}

// Version returns a counter bumped by every successful mutation.
func (r *Registry[K, A]) Version() uint64 {
	return r.version.Load()
}

// publish must be called with r.mu held.
func (r *Registry[K, A]) publish(next []Entry[K, A]) {
	r.entries.Store(&next)
	r.version.Add(1)
}
