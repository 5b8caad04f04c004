package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type item struct {
	hash  string
	block uint64
}

func newItem(block uint64) *item {
	return &item{hash: "0xtx", block: block}
}

func TestNewRingBuffer(t *testing.T) {
	t.Run("with valid size", func(t *testing.T) {
		rb := NewRingBuffer[*item](100)
		if rb.Cap() != 100 {
			t.Errorf("Cap() = %d, want 100", rb.Cap())
		}
		if rb.Len() != 0 {
			t.Errorf("Len() = %d, want 0", rb.Len())
		}
	})

	t.Run("with zero size uses default", func(t *testing.T) {
		rb := NewRingBuffer[*item](0)
		if rb.Cap() != DefaultSize {
			t.Errorf("Cap() = %d, want %d (default)", rb.Cap(), DefaultSize)
		}
	})

	t.Run("with negative size uses default", func(t *testing.T) {
		rb := NewRingBuffer[*item](-5)
		if rb.Cap() != DefaultSize {
			t.Errorf("Cap() = %d, want %d (default)", rb.Cap(), DefaultSize)
		}
	})
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer[*item](10)

	for i := uint64(0); i < 5; i++ {
		if err := rb.Push(newItem(i)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := uint64(0); i < 5; i++ {
		it, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if it.block != i {
			t.Errorf("Pop() returned block %d, want %d", it.block, i)
		}
	}

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_Full(t *testing.T) {
	rb := NewRingBuffer[*item](3)

	for i := uint64(0); i < 3; i++ {
		if err := rb.Push(newItem(i)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	if err := rb.Push(newItem(4)); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	if m := rb.Metrics(); m.Dropped != 1 {
		t.Errorf("Metrics().Dropped = %d, want 1", m.Dropped)
	}
}

func TestRingBuffer_Wrap(t *testing.T) {
	rb := NewRingBuffer[*item](3)

	for i := uint64(0); i < 3; i++ {
		rb.Push(newItem(i))
	}
	rb.Pop()
	rb.Pop()

	for i := uint64(3); i < 5; i++ {
		if err := rb.Push(newItem(i)); err != nil {
			t.Errorf("Push() error = %v after wrap", err)
		}
	}

	want := []uint64{2, 3, 4}
	for _, w := range want {
		it, err := rb.Pop()
		if err != nil || it.block != w {
			t.Errorf("Pop() = %v, %v; want block %d", it, err, w)
		}
	}
}

func TestRingBuffer_Metrics(t *testing.T) {
	rb := NewRingBuffer[*item](5)

	m := rb.Metrics()
	if m.Pushed != 0 || m.Popped != 0 || m.Dropped != 0 {
		t.Errorf("Initial metrics = %+v, want all zeros", m)
	}

	for i := uint64(0); i < 3; i++ {
		rb.Push(newItem(i))
	}
	rb.Pop()
	rb.Pop()

	m = rb.Metrics()
	if m.Pushed != 3 || m.Popped != 2 || m.Depth != 1 || m.Capacity != 5 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer[*item](10)
	rb.Push(newItem(1))

	rb.Close()

	if err := rb.Push(newItem(2)); err != ErrQueueClosed {
		t.Errorf("Push() error = %v, want ErrQueueClosed", err)
	}

	// Items queued before Close remain poppable
	if it, err := rb.PopBlocking(); err != nil || it.block != 1 {
		t.Errorf("PopBlocking() = %v, %v", it, err)
	}

	if _, err := rb.PopBlocking(); err != ErrQueueClosed {
		t.Errorf("PopBlocking() error = %v, want ErrQueueClosed", err)
	}
	if _, err := rb.PopWithTimeout(10 * time.Millisecond); err != ErrQueueClosed {
		t.Errorf("PopWithTimeout() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBlocking(t *testing.T) {
	rb := NewRingBuffer[*item](10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rb.Push(newItem(7))
	}()

	start := time.Now()
	it, err := rb.PopBlocking()
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("PopBlocking() error = %v", err)
	}
	if it == nil || it.block != 7 {
		t.Errorf("PopBlocking() = %v", it)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("PopBlocking() returned too quickly: %v", elapsed)
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer[*item](10)

	t.Run("timeout on empty queue", func(t *testing.T) {
		start := time.Now()
		_, err := rb.PopWithTimeout(50 * time.Millisecond)
		elapsed := time.Since(start)

		if err != ErrQueueEmpty {
			t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
		}
		if elapsed < 40*time.Millisecond {
			t.Errorf("PopWithTimeout() returned too quickly: %v", elapsed)
		}
	})

	t.Run("returns item if available", func(t *testing.T) {
		rb.Push(newItem(1))

		it, err := rb.PopWithTimeout(100 * time.Millisecond)
		if err != nil {
			t.Errorf("PopWithTimeout() error = %v", err)
		}
		if it == nil {
			t.Error("PopWithTimeout() returned nil")
		}
	})

	t.Run("wakes on push", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			rb.Push(newItem(2))
		}()
		it, err := rb.PopWithTimeout(time.Second)
		if err != nil || it.block != 2 {
			t.Errorf("PopWithTimeout() = %v, %v", it, err)
		}
	})
}

func TestRingBuffer_PushWait(t *testing.T) {
	t.Run("waits for capacity", func(t *testing.T) {
		rb := NewRingBuffer[*item](1)
		rb.Push(newItem(1))

		go func() {
			time.Sleep(30 * time.Millisecond)
			rb.Pop()
		}()

		if err := rb.PushWait(context.Background(), newItem(2)); err != nil {
			t.Fatalf("PushWait() error = %v", err)
		}
		if it, _ := rb.Pop(); it.block != 2 {
			t.Errorf("Pop() block = %d, want 2", it.block)
		}
		if rb.Metrics().Dropped != 0 {
			t.Error("PushWait dropped an item")
		}
	})

	t.Run("honors context", func(t *testing.T) {
		rb := NewRingBuffer[*item](1)
		rb.Push(newItem(1))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := rb.PushWait(ctx, newItem(2)); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("PushWait() error = %v, want deadline exceeded", err)
		}
	})

	t.Run("unblocks on close", func(t *testing.T) {
		rb := NewRingBuffer[*item](1)
		rb.Push(newItem(1))

		go func() {
			time.Sleep(20 * time.Millisecond)
			rb.Close()
		}()
		if err := rb.PushWait(context.Background(), newItem(2)); err != ErrQueueClosed {
			t.Errorf("PushWait() error = %v, want ErrQueueClosed", err)
		}
	})
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer[*item](100)

	const numProducers = 5
	const itemsPerProducer = 100

	var wg sync.WaitGroup
	var consumed atomic.Uint64

	for i := 0; i < numProducers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < itemsPerProducer; j++ {
				if err := rb.PushWait(context.Background(), newItem(uint64(j))); err != nil {
					t.Errorf("PushWait() error = %v", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := rb.PopBlocking(); err != nil {
				return
			}
			consumed.Add(1)
		}
	}()

	wg.Wait()
	rb.Close()
	<-done

	if got := consumed.Load(); got != numProducers*itemsPerProducer {
		t.Errorf("consumed %d items, want %d", got, numProducers*itemsPerProducer)
	}
}
