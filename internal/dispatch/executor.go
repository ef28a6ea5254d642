package dispatch

import (
	"context"
	"runtime/debug"
	"time"
)

// PanicHandler is called with the recovered value and stack of a panicking task.
type PanicHandler func(value any, stack []byte)

// Result describes one task execution.
type Result struct {
	// Skipped is true when the context was done before the task started.
	Skipped bool

	// Panicked is true when the task panicked.
	Panicked bool

	// PanicValue is the value passed to panic().
	PanicValue any

	// PanicStack is the stack captured at recovery.
	PanicStack []byte

	// Duration is how long the task ran.
	Duration time.Duration
}

// Executor runs tasks with panic recovery and timing.
type Executor struct {
	panicHandler PanicHandler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorPanicHandler sets the panic handler for the executor.
func WithExecutorPanicHandler(h PanicHandler) ExecutorOption {
	return func(e *Executor) {
		e.panicHandler = h
	}
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs task unless ctx is already done.
func (e *Executor) Execute(ctx context.Context, task func()) (result Result) {
	select {
	case <-ctx.Done():
		return Result{Skipped: true}
	default:
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = debug.Stack()
			if e.panicHandler != nil {
				func() {
					// A panicking panic handler is ignored.
					defer func() { _ = recover() }()
					e.panicHandler(r, result.PanicStack)
				}()
			}
		}
	}()

	task()
	return result
}
