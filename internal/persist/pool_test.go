package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := NewPool(2, 16, time.Second)
	defer p.Stop()

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := p.Submit("count", func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			wg.Done()
			return nil
		})
		if !ok {
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not complete")
	}
	if got := atomic.LoadInt64(&ran); got != 10 {
		t.Errorf("ran = %d, want 10", got)
	}
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1, time.Second)
	defer p.Stop()

	block := make(chan struct{})
	// Occupy the single worker, then fill the single queue slot.
	p.Submit("block", func(ctx context.Context) error {
		<-block
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	p.Submit("queued", func(ctx context.Context) error { return nil })

	if ok := p.Submit("overflow", func(ctx context.Context) error { return nil }); ok {
		t.Error("submit must drop when the queue is full")
	}
	close(block)
}

func TestPoolStopDrainsAndRejects(t *testing.T) {
	p := NewPool(2, 16, time.Second)

	var ran int64
	for i := 0; i < 5; i++ {
		p.Submit("drain", func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
	}
	p.Stop()

	if got := atomic.LoadInt64(&ran); got != 5 {
		t.Errorf("ran = %d before stop returned, want 5", got)
	}
	if ok := p.Submit("late", func(ctx context.Context) error { return nil }); ok {
		t.Error("submit after stop must be rejected")
	}
	// Stop twice must not panic
	p.Stop()
}
