// Package input dispatches keyboard and mouse events to registered
// handlers.
//
// Each channel (Keyboard, Mouse) has its own ordered registry. A
// registration is keyed by (name, index, async); all three plus the
// channel and the handler must match for Pop to remove it.
//
// Start blocks, reading events from a Source and delivering each one to
// a snapshot of the matching registry in index order. Synchronous
// handlers run inline on the dispatch goroutine, so a slow one delays
// every later handler and event. Async handlers are queued on a bounded
// worker pool and may complete in any order; when the queue is full the
// delivery is dropped and counted.
//
// Stop stops reading, lets the current event finish dispatching and
// drains queued async work before Start returns. HardStop discards
// queued async work that has not started.
package input
