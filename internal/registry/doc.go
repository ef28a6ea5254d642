// Package registry provides the ordered handler registry shared by the
// runner and input subsystems.
//
// A Registry maps a composite key (a Slot name plus an index) to one or
// more handlers. Iteration order is index ascending and, for equal
// indices, insertion order.
//
// Mutations are serialised by a mutex and publish a new immutable slice.
// Readers call Snapshot, which never blocks and never observes a partial
// mutation:
//
//	snap := reg.Snapshot()
//	for _, e := range snap {
//		e.Handler.Invoke(arg)
//	}
//
// A handler pushed while a snapshot is being iterated becomes visible
// on the next Snapshot. A handler popped mid-iteration stays valid for
// the iteration already under way.
package registry
