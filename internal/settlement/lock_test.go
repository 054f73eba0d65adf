package settlement

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedLockSerializesPerKey(t *testing.T) {
	l := NewKeyedLock(time.Second)

	var mu sync.Mutex
	var inSection int
	var maxInSection int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.WithLock("A:1", func() error {
				mu.Lock()
				inSection++
				if inSection > maxInSection {
					maxInSection = inSection
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inSection--
				mu.Unlock()
				return nil
			}); err != nil {
				t.Errorf("WithLock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInSection != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInSection)
	}
	if l.Held("A:1") {
		t.Error("lock entry leaked after all holders released")
	}
}

func TestKeyedLockIndependentKeys(t *testing.T) {
	l := NewKeyedLock(time.Second)

	if err := l.Acquire("A:1"); err != nil {
		t.Fatalf("acquire A:1: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Acquire("B:2") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire B:2 blocked by unrelated key: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire on independent key did not complete")
	}
	l.Release("A:1")
	l.Release("B:2")
}

func TestKeyedLockWaiterTimeout(t *testing.T) {
	l := NewKeyedLock(50 * time.Millisecond)

	if err := l.Acquire("A:1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := l.Acquire("A:1")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second acquire error = %v, want ErrLockTimeout", err)
	}

	// Holder releases; with the waiter gone the entry must be removed.
	l.Release("A:1")
	if l.Held("A:1") {
		t.Error("lock still held after release with no live waiters")
	}
	if err := l.Acquire("A:1"); err != nil {
		t.Errorf("reacquire after timeout: %v", err)
	}
}

func TestKeyedLockFIFOOrder(t *testing.T) {
	l := NewKeyedLock(time.Second)

	if err := l.Acquire("A:1"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			if err := l.Acquire("A:1"); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release("A:1")
		}()
		// Give each waiter time to enqueue in order
		time.Sleep(20 * time.Millisecond)
	}

	l.Release("A:1")
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("waiter order = %v, want FIFO", order)
		}
	}
}

func TestKeyedLockDoubleReleaseIsNoop(t *testing.T) {
	l := NewKeyedLock(time.Second)
	l.Release("never-held")

	if err := l.Acquire("A:1"); err != nil {
		t.Fatal(err)
	}
	l.Release("A:1")
	l.Release("A:1")

	if err := l.Acquire("A:1"); err != nil {
		t.Errorf("acquire after double release: %v", err)
	}
}
