package registry

import (
	"errors"
	"sync"
	"testing"
)

func recorder(out *[]string, label string) *Handler[int] {
	return NewHandler(func(int) { *out = append(*out, label) })
}

func invokeAll(r *Registry[Slot, int]) {
	for _, e := range r.Snapshot() {
		e.Handler.Invoke(0)
	}
}

func TestNewRegistry(t *testing.T) {
	r := New[Slot, int]()
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if r.Policy() != DuplicateAppend {
		t.Errorf("expected append policy, got %v", r.Policy())
	}
}

func TestRegistry_Push_Order(t *testing.T) {
	var calls []string
	r := New[Slot, int]()

	mustPush(t, r, Slot{"c", 2}, recorder(&calls, "c"))
	mustPush(t, r, Slot{"a", 0}, recorder(&calls, "a"))
	mustPush(t, r, Slot{"b1", 1}, recorder(&calls, "b1"))
	mustPush(t, r, Slot{"b2", 1}, recorder(&calls, "b2"))
	mustPush(t, r, Slot{"neg", -5}, recorder(&calls, "neg"))

	invokeAll(r)

	want := []string{"neg", "a", "b1", "b2", "c"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestRegistry_Push_Invalid(t *testing.T) {
	r := New[Slot, int]()

	if err := r.Push(Slot{"", 0}, NewHandler(func(int) {})); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("expected ErrInvalidSlot, got %v", err)
	}
	if err := r.Push(Slot{"x", 0}, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("expected ErrNilHandler, got %v", err)
	}
	if NewHandler[int](nil) != nil {
		t.Error("expected nil handler for nil func")
	}
}

func TestRegistry_Push_ExactDuplicate(t *testing.T) {
	for _, policy := range []DuplicatePolicy{DuplicateAppend, DuplicateReplace} {
		t.Run(policy.String(), func(t *testing.T) {
			r := New[Slot, int](WithDuplicatePolicy(policy))
			h := NewHandler(func(int) {})

			mustPush(t, r, Slot{"x", 1}, h)
			if err := r.Push(Slot{"x", 1}, h); !errors.Is(err, ErrDuplicateBinding) {
				t.Errorf("expected ErrDuplicateBinding, got %v", err)
			}
			if r.Len() != 1 {
				t.Errorf("expected 1 binding, got %d", r.Len())
			}
		})
	}
}

func TestRegistry_DuplicateAppend(t *testing.T) {
	var calls []string
	r := New[Slot, int]()

	mustPush(t, r, Slot{"x", 1}, recorder(&calls, "first"))
	mustPush(t, r, Slot{"y", 2}, recorder(&calls, "y"))
	mustPush(t, r, Slot{"x", 1}, recorder(&calls, "second"))

	invokeAll(r)

	want := []string{"first", "second", "y"}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestRegistry_DuplicateReplace(t *testing.T) {
	var calls []string
	r := New[Slot, int](WithDuplicatePolicy(DuplicateReplace))

	first := recorder(&calls, "first")
	mustPush(t, r, Slot{"x", 1}, first)
	mustPush(t, r, Slot{"w", 1}, recorder(&calls, "w"))
	second := recorder(&calls, "second")
	mustPush(t, r, Slot{"x", 1}, second)

	invokeAll(r)

	if len(calls) != 2 || calls[0] != "second" || calls[1] != "w" {
		t.Errorf("expected [second w], got %v", calls)
	}
	if r.Pop(Slot{"x", 1}, first) {
		t.Error("replaced handler should no longer be bound")
	}
	if !r.Pop(Slot{"x", 1}, second) {
		t.Error("expected replacement handler to pop")
	}
}

func TestRegistry_Pop(t *testing.T) {
	r := New[Slot, int]()
	h := NewHandler(func(int) {})
	other := NewHandler(func(int) {})

	mustPush(t, r, Slot{"x", 1}, h)

	tests := []struct {
		name string
		key  Slot
		h    *Handler[int]
		want bool
	}{
		{"wrong index", Slot{"x", 2}, h, false},
		{"wrong name", Slot{"y", 1}, h, false},
		{"wrong handler", Slot{"x", 1}, other, false},
		{"nil handler", Slot{"x", 1}, nil, false},
		{"exact", Slot{"x", 1}, h, true},
		{"again", Slot{"x", 1}, h, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Pop(tt.key, tt.h); got != tt.want {
				t.Errorf("Pop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := New[Slot, int]()
	h1 := NewHandler(func(int) {})
	h2 := NewHandler(func(int) {})

	mustPush(t, r, Slot{"a", 0}, h1)
	snap := r.Snapshot()

	mustPush(t, r, Slot{"b", 1}, h2)
	r.Pop(Slot{"a", 0}, h1)

	if len(snap) != 1 || snap[0].Handler != h1 {
		t.Errorf("snapshot changed after mutation: %v", snap)
	}
	now := r.Snapshot()
	if len(now) != 1 || now[0].Handler != h2 {
		t.Errorf("expected only h2 in new snapshot, got %v", now)
	}
}

func TestRegistry_PushDuringIteration(t *testing.T) {
	r := New[Slot, int]()
	var calls int
	late := NewHandler(func(int) { calls += 100 })
	early := NewHandler(func(int) {
		calls++
		_ = r.Push(Slot{"late", 99}, late)
	})
	mustPush(t, r, Slot{"early", 0}, early)

	invokeAll(r)
	if calls != 1 {
		t.Fatalf("late handler should not run in the cycle it was pushed, calls=%d", calls)
	}

	r.Pop(Slot{"early", 0}, early)
	invokeAll(r)
	if calls != 101 {
		t.Errorf("late handler should run on the next cycle, calls=%d", calls)
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := New[Slot, int]()
	mustPush(t, r, Slot{"a", 0}, NewHandler(func(int) {}))
	mustPush(t, r, Slot{"b", 0}, NewHandler(func(int) {}))

	v := r.Version()
	if n := r.Clear(); n != 2 {
		t.Errorf("expected 2 cleared, got %d", n)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if r.Version() == v {
		t.Error("expected version bump on clear")
	}
	if n := r.Clear(); n != 0 {
		t.Errorf("expected 0 cleared, got %d", n)
	}
}

func TestRegistry_Keys(t *testing.T) {
	r := New[Slot, int]()
	mustPush(t, r, Slot{"b", 1}, NewHandler(func(int) {}))
	mustPush(t, r, Slot{"a", 0}, NewHandler(func(int) {}))
	mustPush(t, r, Slot{"b", 1}, NewHandler(func(int) {}))

	keys := r.Keys()
	if len(keys) != 2 || keys[0].Name != "a" || keys[1].Name != "b" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New[Slot, int]()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := NewHandler(func(int) {})
				key := Slot{"k", j % 5}
				if err := r.Push(key, h); err != nil {
					t.Errorf("push: %v", err)
					return
				}
				_ = r.Snapshot()
				if !r.Pop(key, h) {
					t.Errorf("pop of pushed handler failed")
					return
				}
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := r.Snapshot()
			for k := 1; k < len(snap); k++ {
				if snap[k-1].Key.Index > snap[k].Key.Index {
					t.Errorf("snapshot out of order")
					return
				}
			}
		}
	}()

	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestParsePolicies(t *testing.T) {
	if p, err := ParseDuplicatePolicy("Replace"); err != nil || p != DuplicateReplace {
		t.Errorf("ParseDuplicatePolicy = %v, %v", p, err)
	}
	if _, err := ParseDuplicatePolicy("bogus"); err == nil {
		t.Error("expected error for unknown duplicate policy")
	}
	if p, err := ParseUnloadPolicy(""); err != nil || p != UnloadClear {
		t.Errorf("ParseUnloadPolicy = %v, %v", p, err)
	}
	if p, err := ParseUnloadPolicy("strict"); err != nil || p != UnloadStrict {
		t.Errorf("ParseUnloadPolicy = %v, %v", p, err)
	}
}

func mustPush(t *testing.T, r *Registry[Slot, int], key Slot, h *Handler[int]) {
	t.Helper()
	if err := r.Push(key, h); err != nil {
		t.Fatalf("Push(%v): %v", key, err)
	}
}
