// Package worker provides a generic worker pool for concurrent task
// processing. The consistency verifier fans record comparisons through a
// pool so large verification windows finish in reasonable time.
package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/siteflux/ingest/errors"
)

// Pool processes items of type T with a fixed number of workers over a
// bounded queue.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// NewPool creates a pool. Non-positive workers or queueSize fall back to
// sensible defaults. A nil processor is a programming error.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic("worker: nil processor")
	}
	return &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
}

// Start launches the workers. Starting twice is an error.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.New("pool already started"), "worker", "Start", "state check")
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return nil
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case item, ok := <-p.workChan:
			if !ok {
				return
			}
			if err := p.processor(ctx, item); err != nil {
				p.failed.Add(1)
			} else {
				p.processed.Add(1)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues an item, blocking while the queue is full. Returns an
// error once the pool is stopped or the context is done.
func (p *Pool[T]) Submit(ctx context.Context, item T) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		p.dropped.Add(1)
		return errors.WrapInvalid(errors.New("pool not running"), "worker", "Submit", "state check")
	}
	p.mu.Unlock()

	select {
	case p.workChan <- item:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.dropped.Add(1)
		return ctx.Err()
	}
}

// TrySubmit enqueues an item without blocking, reporting whether it was
// accepted.
func (p *Pool[T]) TrySubmit(item T) bool {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		p.dropped.Add(1)
		return false
	}
	p.mu.Unlock()

	select {
	case p.workChan <- item:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Stop closes the queue and waits for in-flight work to finish. Idempotent.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.workChan)
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}
