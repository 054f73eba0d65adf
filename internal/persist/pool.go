// Package persist runs fire-and-forget persistence jobs on a bounded worker
// pool so slow writes never block the execution fast path.
package persist

import (
	"context"
	"sync"
	"time"

	"deriv-trading-core/internal/logging"
	"deriv-trading-core/internal/metrics"
)

// Job is one persistence task. The context carries the pool's write deadline.
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Pool is a bounded fire-and-forget worker pool. When the queue is full,
// jobs are dropped and counted rather than blocking the caller.
type Pool struct {
	jobs    chan Job
	workers int
	timeout time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	log     *logging.Logger
}

// NewPool starts a pool with the given worker count and queue depth
func NewPool(workers, queueDepth int, writeTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	p := &Pool{
		jobs:    make(chan Job, queueDepth),
		workers: workers,
		timeout: writeTimeout,
		log:     logging.WithComponent("persist"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := job.Fn(ctx); err != nil {
			p.log.Warn("persistence job failed", "job", job.Name, "error", err)
		}
		cancel()
	}
}

// Submit enqueues a job without blocking. Returns false when the job was
// dropped because the queue is full or the pool is stopped.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		metrics.PersistJobsDropped.Inc()
		return false
	}
	select {
	case p.jobs <- Job{Name: name, Fn: fn}:
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		metrics.PersistJobsDropped.Inc()
		p.log.Warn("persistence queue full, dropping job", "job", name)
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs to drain
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// QueueDepth returns the number of queued jobs
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}
