// Package workerpool provides a bounded goroutine pool that can report its
// own occupancy.
package workerpool

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	// Waiting is the number of workers idle and waiting for a job.
	Waiting int
	// Working is the number of workers currently running a job.
	Working int
	// Queued is the number of submitted jobs not yet picked up.
	Queued int
}

// Pool runs submitted jobs on a fixed set of goroutines fed from a buffered
// queue. Submit blocks once the queue is full.
type Pool struct {
	workers int
	jobs    chan func()
	working atomic.Int64
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger that reports panicking jobs.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool with the given number of workers and queue capacity.
// workers <= 0 uses the CPU count; queueSize <= 0 uses workers*4.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	p := &Pool{
		workers: workers,
		jobs:    make(chan func(), queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.working.Add(1)
		p.run(job)
		p.working.Add(-1)
	}
}

func (p *Pool) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker job panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job()
}

// Submit enqueues job. It reports false when the pool has been stopped.
func (p *Pool) Submit(job func()) (submitted bool) {
	defer func() {
		if recover() != nil {
			submitted = false
		}
	}()
	p.jobs <- job
	return true
}

// Stop closes the queue and waits for queued and running jobs to finish.
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

// Stats reports current occupancy. Before Start every worker counts as
// waiting.
func (p *Pool) Stats() Stats {
	working := int(p.working.Load())
	return Stats{
		Waiting: p.workers - working,
		Working: working,
		Queued:  len(p.jobs),
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.workers
}
