package server

import (
	"fmt"

	"github.com/chazu/mutable/vm"
)

// systemRequest represents a unit of work to be executed against the system.
type systemRequest struct {
	fn   func(*vm.System) (any, error)
	done chan systemResult
}

// systemResult holds the return value from a system call.
type systemResult struct {
	value any
	err   error
}

// SystemWorker runs every handler call on one goroutine. A call and the
// LastError read that follows it must not interleave with another
// handler's call, so handlers never touch the system directly.
type SystemWorker struct {
	sys      *vm.System
	requests chan systemRequest
	quit     chan struct{}
}

// NewSystemWorker creates a SystemWorker and starts the processing goroutine.
func NewSystemWorker(sys *vm.System) *SystemWorker {
	w := &SystemWorker{
		sys:      sys,
		requests: make(chan systemRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *SystemWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, recovering from panics.
func (w *SystemWorker) execute(fn func(*vm.System) (any, error)) (result systemResult) {
	defer func() {
		if r := recover(); r != nil {
			result = systemResult{err: fmt.Errorf("system panic: %v", r)}
		}
	}()
	result.value, result.err = fn(w.sys)
	return result
}

// Do submits fn and blocks until it completes. Returns the result and
// any error, including panics.
func (w *SystemWorker) Do(fn func(*vm.System) (any, error)) (any, error) {
	req := systemRequest{
		fn:   fn,
		done: make(chan systemResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, errStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, errStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *SystemWorker) Stop() {
	close(w.quit)
}

// System returns the underlying system, for calls that are safe
// concurrently such as statistics.
func (w *SystemWorker) System() *vm.System {
	return w.sys
}
