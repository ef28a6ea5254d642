package lua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultQueueSize is the executor mailbox size.
const DefaultQueueSize = 100

// call is one Lua operation posted to the executor.
type call struct {
	fn     func(L *lua.LState) error
	result chan error
}

// Executor serializes all Lua operations through a single goroutine.
//
// Usage:
//
//	exec := NewExecutor(L, 0)
//	go exec.Run(ctx)
//	defer exec.Close()
//
//	// From any goroutine:
//	err := exec.Execute(ctx, func(L *lua.LState) error {
//	    L.Push(handler)
//	    return L.PCall(0, 0, nil)
//	})
type Executor struct {
	L      *lua.LState
	queue  chan *call
	closed atomic.Bool
	done   chan struct{}
	exited chan struct{}

	// closeOnce ensures Close is only called once
	closeOnce sync.Once
}

// NewExecutor creates a new Executor for the given Lua state.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		L:      L,
		queue:  make(chan *call, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Run processes Lua operations until ctx is done or Close is called.
// The calling goroutine becomes the owner of the Lua state.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.exited)
	for {
		select {
		case <-ctx.Done():
			e.closed.Store(true)
			e.drainQueue(ctx.Err())
			return
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case c := <-e.queue:
			e.serve(c)
		}
	}
}

func (e *Executor) serve(c *call) {
	c.result <- e.executeCall(c)
	close(c.result)
}

// executeCall runs a single Lua operation with panic recovery.
func (e *Executor) executeCall(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return c.fn(e.L)
}

// drainQueue fails remaining calls with err.
func (e *Executor) drainQueue(err error) {
	for {
		select {
		case c := <-e.queue:
			c.result <- err
			close(c.result)
		default:
			return
		}
	}
}

// Execute runs fn on the executor goroutine and waits for it. It must not
// be called from the executor goroutine; bindings use Await instead.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case <-e.exited:
		return ErrExecutorClosed
	case e.queue <- c:
	}

	select {
	case <-ctx.Done():
		// The call stays queued and still runs.
		return ctx.Err()
	case <-e.exited:
		// Run may have drained the call already.
		select {
		case err, ok := <-c.result:
			if ok {
				return err
			}
		default:
		}
		return ErrExecutorClosed
	case err, ok := <-c.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// Await runs fn on a helper goroutine and serves the mailbox until it
// returns. It must be called from the executor goroutine, from inside a
// binding.
func (e *Executor) Await(fn func() error) error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- fn()
	}()

	for {
		select {
		case err := <-result:
			return err
		case c := <-e.queue:
			e.serve(c)
		}
	}
}

// Close stops the executor and prevents new operations. Queued calls fail
// with ErrExecutorClosed.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// Exited is closed once Run has returned.
func (e *Executor) Exited() <-chan struct{} {
	return e.exited
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
