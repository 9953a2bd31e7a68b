// Package workers provides a bounded goroutine pool sized to CPU count, used
// by the optimizer to run independent simulation cores in parallel.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to a Pool.
type Task func(ctx context.Context) error

// PoolConfig sizes a Pool. NumWorkers defaults to runtime.NumCPU() when <= 0.
type PoolConfig struct {
	Name       string
	NumWorkers int
}

// Pool runs submitted tasks across a fixed number of worker goroutines and
// reports progress via a completed-count, used to drive a progress bar.
// Grounded on the teacher's high-throughput worker pool, trimmed down to the
// data-parallel CPU-bound shape the optimizer needs: no latency histograms,
// no pipeline stages, no submit-time queue-full rejection.
type Pool struct {
	name       string
	numWorkers int
	logger     *zap.Logger

	completed atomic.Int64
	failed    atomic.Int64
	total     atomic.Int64
}

// NewPool constructs a Pool. log may be nil.
func NewPool(cfg PoolConfig, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	n := cfg.NumWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Pool{name: cfg.Name, numWorkers: n, logger: log}
}

// Run executes tasks across the pool's workers and blocks until all have
// completed or ctx is cancelled. It returns the first error encountered;
// other tasks still run to completion (failures are independent per spec
// §4.7's Pending/Completed/Failed per-run status model).
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	p.total.Store(int64(len(tasks)))
	p.completed.Store(0)
	p.failed.Store(0)

	queue := make(chan Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	p.logger.Info("worker pool starting", zap.String("pool", p.name), zap.Int("workers", p.numWorkers), zap.Int("tasks", len(tasks)))

	for i := 0; i < p.numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := task(ctx); err != nil {
					p.failed.Add(1)
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				p.completed.Add(1)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return firstErr
}

// Progress returns (completed, total) tasks, safe to poll concurrently with
// Run for a progress bar.
func (p *Pool) Progress() (completed, total int64) {
	return p.completed.Load(), p.total.Load()
}
