// Package lifecycle fans plugin entry points out either sequentially on
// the caller's goroutine or across a bounded worker pool.
//
// Every batch is scoped: Wait joins all submitted calls before returning,
// so no call outlives the batch that started it. Errors from individual
// calls are collected and joined; a failing call never cancels its
// siblings.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Mode selects how a batch executes its calls.
type Mode int

const (
	// Synchronous runs every call inline, in submission order.
	Synchronous Mode = iota

	// Concurrent runs calls on a bounded pool of goroutines.
	Concurrent
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Synchronous:
		return "sync"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// ParseMode parses "sync" or "concurrent".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync", "synchronous", "sequential":
		return Synchronous, nil
	case "concurrent", "parallel":
		return Concurrent, nil
	default:
		return Synchronous, fmt.Errorf("unknown coordinator mode %q", s)
	}
}

// DefaultWorkers is the worker bound used when none is configured.
const DefaultWorkers = 5

// Func is one call in a batch.
type Func func(ctx context.Context) error

// PanicError is returned for a call that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("lifecycle call panicked: %v", e.Value)
}

// Coordinator creates batches in a fixed mode.
type Coordinator struct {
	mode    Mode
	workers int
}

// New returns a coordinator. workers bounds concurrency in Concurrent
// mode; values below 1 select DefaultWorkers.
func New(mode Mode, workers int) *Coordinator {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Coordinator{mode: mode, workers: workers}
}

// Mode returns the coordinator mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// Workers returns the concurrency bound.
func (c *Coordinator) Workers() int { return c.workers }

// Batch is a scoped group of calls.
type Batch struct {
	ctx  context.Context
	mode Mode
	g    errgroup.Group

	mu   sync.Mutex
	errs []error
}

// Batch starts a new batch bound to ctx.
func (c *Coordinator) Batch(ctx context.Context) *Batch {
	b := &Batch{ctx: ctx, mode: c.mode}
	if c.mode == Concurrent {
		b.g.SetLimit(c.workers)
	}
	return b
}

// Go submits fn. In Synchronous mode fn runs before Go returns. In
// Concurrent mode Go blocks only while all workers are busy.
func (b *Batch) Go(fn Func) {
	if b.mode == Synchronous {
		b.record(call(b.ctx, fn))
		return
	}
	b.g.Go(func() error {
		b.record(call(b.ctx, fn))
		return nil
	})
}

// Wait joins every submitted call and returns their errors joined.
func (b *Batch) Wait() error {
	_ = b.g.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}

func (b *Batch) record(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
}

func call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Run executes fns as one batch and joins them.
func (c *Coordinator) Run(ctx context.Context, fns ...Func) error {
	b := c.Batch(ctx)
	for _, fn := range fns {
		b.Go(fn)
	}
	return b.Wait()
}

// Waves runs each wave as a batch, finishing one before starting the
// next. All waves run even when an earlier one fails.
func (c *Coordinator) Waves(ctx context.Context, waves ...[]Func) error {
	var errs []error
	for _, wave := range waves {
		if err := c.Run(ctx, wave...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
