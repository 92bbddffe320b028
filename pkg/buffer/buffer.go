// Package buffer provides a bounded, thread-safe queue used to bridge
// protocol-client callback threads into an adapter's receive loop.
//
// Protocol libraries such as paho deliver messages on their own goroutines;
// the owning adapter drains the queue from its receive loop. The queue is
// bounded and the behavior when full is an explicit policy: DropOldest keeps
// the freshest telemetry and counts the loss, Block applies backpressure to
// the producing client.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/siteflux/ingest/errors"
)

// OverflowPolicy controls what happens when a full queue receives a write.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued item to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming item.
	DropNewest
	// Block waits until the consumer makes room.
	Block
)

// String returns a readable policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Stats carries queue counters for observability. All fields are cumulative.
type Stats struct {
	Written uint64
	Read    uint64
	Dropped uint64
	Depth   int
}

// Queue is a bounded FIFO of T with a configurable overflow policy.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int
	tail     int
	policy   OverflowPolicy
	closed   bool

	written uint64
	read    uint64
	dropped uint64

	notEmpty *sync.Cond
	notFull  *sync.Cond
}

// New creates a bounded queue. Capacity below 1 is raised to 1.
func New[T any](capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put enqueues an item according to the overflow policy. It is safe to call
// from any goroutine, including a protocol client's callback thread.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.ErrStreamClosed
	}

	if q.size == q.capacity {
		switch q.policy {
		case DropOldest:
			q.tail = (q.tail + 1) % q.capacity
			q.size--
			q.dropped++
		case DropNewest:
			q.dropped++
			return nil
		case Block:
			for q.size == q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return errors.ErrStreamClosed
			}
		}
	}

	q.items[q.head] = item
	q.head = (q.head + 1) % q.capacity
	q.size++
	q.written++
	q.notEmpty.Signal()
	return nil
}

// Get dequeues the next item, waiting up to the given timeout so callers can
// stay responsive to stop signals. Returns errors.ErrStreamClosed once the
// queue is closed and drained, or context.DeadlineExceeded on timeout.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)

	// Cond has no deadline support, so poll in short slices; the slice is
	// small enough to keep stop latency acceptable.
	const slice = 20 * time.Millisecond

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 {
		if q.closed {
			return zero, errors.ErrStreamClosed
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if time.Now().After(deadline) {
			return zero, context.DeadlineExceeded
		}

		q.mu.Unlock()
		time.Sleep(slice)
		q.mu.Lock()
	}

	item := q.items[q.tail]
	q.items[q.tail] = zero
	q.tail = (q.tail + 1) % q.capacity
	q.size--
	q.read++
	q.notFull.Signal()
	return item, nil
}

// Close marks the queue closed. Pending items remain readable; blocked
// producers are released with an error. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the current queue depth.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Written: q.written,
		Read:    q.read,
		Dropped: q.dropped,
		Depth:   q.size,
	}
}
