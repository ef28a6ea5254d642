// Package runner implements the tick scheduler.
//
// A Runner owns an ordered registry of tick handlers. Start blocks the
// calling goroutine in a cooperative loop: each cycle measures the time
// since the previous cycle, snapshots the registry and invokes every
// handler with that elapsed duration in index order. Stop only sets a
// flag; the loop observes it at the end of the current cycle, so Stop is
// safe to call from inside a handler.
//
// Handlers are never interrupted. A handler that blocks stalls the whole
// loop, which shows up as missed deadlines when a tick interval is set.
package runner
