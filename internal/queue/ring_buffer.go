// Package queue provides a bounded FIFO ring buffer connecting transaction
// sources to the processor.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is the capacity used when a non-positive size is requested.
const DefaultSize = 10000

// RingBuffer is a thread-safe circular buffer.
type RingBuffer[T any] struct {
	buffer   []T
	size     int
	head     int
	tail     int
	count    int
	closed   bool
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the specified capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = DefaultSize
	}

	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an item without waiting.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.enqueue(item)
	return nil
}

// PushWait adds an item, waiting for free capacity until ctx is done.
func (rb *RingBuffer[T]) PushWait(ctx context.Context, item T) error {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.notFull.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == rb.size && !rb.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		rb.notFull.Wait()
	}
	if rb.closed {
		return ErrQueueClosed
	}

	rb.enqueue(item)
	return nil
}

// Pop removes and returns the oldest item.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer[T]) Pop() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return rb.dequeue(), nil
}

// PopBlocking removes and returns the oldest item.
// Blocks until an item is available or the queue is closed and drained.
func (rb *RingBuffer[T]) PopBlocking() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.notEmpty.Wait()
	}

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueClosed
	}
	return rb.dequeue(), nil
}

// PopWithTimeout removes and returns the oldest item.
// Returns ErrQueueEmpty if no item is available within the timeout.
func (rb *RingBuffer[T]) PopWithTimeout(timeout time.Duration) (T, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		rb.mu.Lock()
		rb.notEmpty.Broadcast()
		rb.mu.Unlock()
	})
	defer timer.Stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		if !time.Now().Before(deadline) {
			var zero T
			return zero, ErrQueueEmpty
		}
		rb.notEmpty.Wait()
	}

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueClosed
	}
	return rb.dequeue(), nil
}

func (rb *RingBuffer[T]) enqueue(item T) {
	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)
	rb.notEmpty.Signal()
}

func (rb *RingBuffer[T]) dequeue() T {
	var zero T
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero // Allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	rb.notFull.Signal()
	return item
}

// Len returns the current number of items in the queue.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// Close closes the queue and wakes up any waiters. Items already queued can
// still be popped.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
