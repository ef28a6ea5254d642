package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	queueSize   int
	workerCount int

	mu      sync.RWMutex // guards queue creation and close against Submit
	queue   chan poolTask
	running atomic.Bool
	discard atomic.Bool
	wg      sync.WaitGroup

	panicHandler PanicHandler

	submitted   atomic.Uint64
	processed   atomic.Uint64
	panicked    atomic.Uint64
	dropped     atomic.Uint64
	discarded   atomic.Uint64
	skipped     atomic.Uint64
	totalTimeNs atomic.Int64
}

type poolTask struct {
	ctx context.Context
	fn  func()
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithQueueSize sets the task queue size.
func WithQueueSize(size int) PoolOption {
	return func(p *Pool) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) PoolOption {
	return func(p *Pool) {
		if count > 0 {
			p.workerCount = count
		}
	}
}

// WithPanicHandler sets the panic handler for worker tasks.
func WithPanicHandler(h PanicHandler) PoolOption {
	return func(p *Pool) {
		p.panicHandler = h
	}
}

// NewPool creates a stopped pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		queueSize:   256,
		workerCount: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return ErrAlreadyRunning
	}

	p.queue = make(chan poolTask, p.queueSize)
	p.discard.Store(false)
	p.running.Store(true)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(p.queue)
	}
	return nil
}

// Stop closes the queue and waits for every queued task to run.
func (p *Pool) Stop(ctx context.Context) error {
	return p.shutdown(ctx, false)
}

// HardStop closes the queue, discards tasks that have not started and
// waits for running tasks to return.
func (p *Pool) HardStop(ctx context.Context) error {
	return p.shutdown(ctx, true)
}

func (p *Pool) shutdown(ctx context.Context, discard bool) error {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.discard.Store(discard)
	p.running.Store(false)
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn without blocking.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	if fn == nil {
		return ErrNilTask
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running.Load() {
		return ErrNotRunning
	}

	select {
	case p.queue <- poolTask{ctx: ctx, fn: fn}:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

func (p *Pool) worker(queue <-chan poolTask) {
	defer p.wg.Done()

	executor := NewExecutor(WithExecutorPanicHandler(p.panicHandler))
	for task := range queue {
		if p.discard.Load() {
			p.discarded.Add(1)
			continue
		}
		res := executor.Execute(task.ctx, task.fn)
		if res.Skipped {
			p.skipped.Add(1)
			continue
		}
		p.processed.Add(1)
		p.totalTimeNs.Add(res.Duration.Nanoseconds())
		if res.Panicked {
			p.panicked.Add(1)
		}
	}
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// QueueDepth returns the number of tasks waiting to run.
func (p *Pool) QueueDepth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.queue == nil {
		return 0
	}
	return len(p.queue)
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Submitted  uint64
	Processed  uint64
	Panicked   uint64
	Dropped    uint64
	Discarded  uint64
	Skipped    uint64 // task context was done before it started
	QueueDepth int
	AvgTime    time.Duration
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	processed := p.processed.Load()
	var avg time.Duration
	if processed > 0 {
		avg = time.Duration(p.totalTimeNs.Load() / int64(processed))
	}
	return PoolStats{
		Submitted:  p.submitted.Load(),
		Processed:  processed,
		Panicked:   p.panicked.Load(),
		Dropped:    p.dropped.Load(),
		Discarded:  p.discarded.Load(),
		Skipped:    p.skipped.Load(),
		QueueDepth: p.QueueDepth(),
		AvgTime:    avg,
	}
}
