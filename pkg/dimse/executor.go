package dimse

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs work off the association read loop. Execute must not block.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(task func())

// Execute calls f(task)
func (f ExecutorFunc) Execute(task func()) { f(task) }

// WorkerPool bounds the number of tasks running at once. Tasks beyond the
// limit wait in their own goroutine, so Execute returns immediately.
type WorkerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewWorkerPool creates a pool running at most size tasks concurrently
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size))}
}

// Execute schedules task
func (p *WorkerPool) Execute(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Acquire with a background context cannot fail
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		task()
	}()
}

// Wait blocks until all scheduled tasks finished or ctx ends
func (p *WorkerPool) Wait(ctx context.Context) error {
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
