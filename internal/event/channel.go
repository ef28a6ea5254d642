package event

import (
	"sync"
	"sync/atomic"
)

// channel is one named channel instance.
// Writers hold mu; readers load subs without locking.
type channel[T any] struct {
	name   string
	serial uint64

	mu   sync.Mutex
	next uint64
	subs atomic.Pointer[[]subscriber[T]]
}

func newChannel[T any](name string) *channel[T] {
	ch := &channel[T]{
		name:   name,
		serial: channelSerial.Add(1),
	}
	empty := []subscriber[T]{}
	ch.subs.Store(&empty)
	return ch
}

func (ch *channel[T]) snapshot() []subscriber[T] {
	return *ch.subs.Load()
}

// add appends fns in order and returns their contiguous ids.
func (ch *channel[T]) add(fns []Func[T]) []SubscriptionID {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	cur := *ch.subs.Load()
	next := make([]subscriber[T], len(cur), len(cur)+len(fns))
	copy(next, cur)

	ids := make([]SubscriptionID, len(fns))
	for i, fn := range fns {
		ch.next++
		ids[i] = SubscriptionID{Channel: ch.serial, Seq: ch.next}
		next = append(next, subscriber[T]{id: ids[i], fn: fn})
	}
	ch.subs.Store(&next)
	return ids
}

// remove drops the given ids and returns those that were not present.
func (ch *channel[T]) remove(ids []SubscriptionID) []SubscriptionID {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	want := make(map[SubscriptionID]bool, len(ids))
	for _, id := range ids {
		if id.Channel == ch.serial {
			want[id] = false
		}
	}

	cur := *ch.subs.Load()
	next := make([]subscriber[T], 0, len(cur))
	for _, s := range cur {
		if _, ok := want[s.id]; ok {
			want[s.id] = true
			continue
		}
		next = append(next, s)
	}
	if len(next) != len(cur) {
		ch.subs.Store(&next)
	}

	var missing []SubscriptionID
	for _, id := range ids {
		if found, ok := want[id]; !ok || !found {
			missing = append(missing, id)
		}
	}
	return missing
}

func (ch *channel[T]) clear() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	empty := []subscriber[T]{}
	ch.subs.Store(&empty)
}
