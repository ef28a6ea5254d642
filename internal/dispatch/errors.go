package dispatch

import "errors"

// Sentinel errors for the worker pool.
var (
	// ErrAlreadyRunning is returned when Start is called on a running pool.
	ErrAlreadyRunning = errors.New("pool is already running")

	// ErrNotRunning is returned when submitting to or stopping an idle pool.
	ErrNotRunning = errors.New("pool is not running")

	// ErrQueueFull is returned when the task queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrNilTask is returned when a nil task is submitted.
	ErrNilTask = errors.New("task cannot be nil")
)
