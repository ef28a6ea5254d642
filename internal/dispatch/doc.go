// Package dispatch provides panic-safe task execution and a bounded
// worker pool.
//
// The input dispatcher uses Pool to deliver events to handlers flagged as
// async. Tasks that panic are recovered and reported through the
// configured PanicHandler; a panicking task never takes down a worker.
//
// Stop drains every queued task before returning. HardStop lets in-flight
// tasks finish but discards queued tasks that have not started.
package dispatch
