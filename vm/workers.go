package vm

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// workerPool runs kernels with bounded concurrency. Each submission
// gets its own goroutine that waits for a slot.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(n int) *workerPool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(n))}
}

// submit runs fn on a worker and then calls done with the recovered
// panic, if any.
func (p *workerPool) submit(fn func(), done func(err error)) {
	go func() {
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			done(err)
			return
		}
		err := runGuarded(fn)
		p.sem.Release(1)
		done(err)
	}()
}

// runGuarded runs fn, turning a panic into an error.
func runGuarded(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	fn()
	return nil
}
