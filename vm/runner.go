package vm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chazu/mutable/program"
)

var (
	// ErrDeadlock means scheduled work waits on results nothing will
	// produce.
	ErrDeadlock = errors.New("vm: scheduler deadlock")
	// ErrTaskPrepare means an issued task could not start.
	ErrTaskPrepare = errors.New("vm: issued task failed to prepare")
	// ErrTaskComplete means an issued task failed after its work ran.
	ErrTaskComplete = errors.New("vm: issued task failed to complete")
	// ErrStreamRead wraps failures to start a rom read. The run aborts
	// with ErrTaskPrepare.
	ErrStreamRead = errors.New("vm: rom stream read failed")
)

// closedTask waits for its dependencies before it is opened.
type closedTask struct {
	op   ScheduledOp
	deps []CacheAddress
}

// issuedTask is an operation whose heavy part runs outside the
// scheduler. prepare and complete run with the runner token held;
// doWork runs on a worker and only touches buffers captured in prepare.
type issuedTask interface {
	base() *taskBase
	prepare(r *CodeRunner) (hasWork bool, err error)
	doWork()
	isComplete() bool
	complete(r *CodeRunner) error
}

// taskBase carries the state every issued task shares.
type taskBase struct {
	op     ScheduledOp
	opType program.OpType
	done   chan struct{}
	err    error
}

func (t *taskBase) base() *taskBase { return t }

func (t *taskBase) doWork() {}

// isComplete reports whether the worker finished. A task that had no
// work is complete right away.
func (t *taskBase) isComplete() bool {
	if t.done == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// abandoner is implemented by tasks holding external callbacks that
// must still be honoured when a run aborts.
type abandoner interface {
	abandon()
}

// CodeRunner evaluates one request: a root operation, its parameters
// and a LOD mask. The run is a sequence of steps; a step either drives
// the run to its end or suspends it and arranges for another step to
// continue on another goroutine.
type CodeRunner struct {
	sys     *System
	mem     *WorkingMemoryManager
	model   *program.Model
	prog    *program.Program
	params  *program.Parameters
	lodMask uint32
	root    ScheduledOp

	open   []ScheduledOp
	closed []closedTask
	issued []issuedTask
	onHold []issuedTask

	// scheduled holds, per address, one past the highest stage already
	// scheduled, so the same stage is never scheduled twice.
	scheduled map[CacheAddress]uint8

	romReads    map[int]*romRead
	multiLayers map[uint32]*multiLayerState
	nextState   uint32

	inline    bool
	timeslice time.Duration

	wake chan struct{}
	done chan struct{}
	err  error
}

func newCodeRunner(s *System, model *program.Model, params *program.Parameters, root ScheduledOp, lodMask uint32) *CodeRunner {
	return &CodeRunner{
		sys:         s,
		mem:         s.mem,
		model:       model,
		prog:        model.Program,
		params:      params,
		lodMask:     lodMask,
		root:        root,
		scheduled:   make(map[CacheAddress]uint8),
		romReads:    make(map[int]*romRead),
		multiLayers: make(map[uint32]*multiLayerState),
		inline:      s.settings.ForceInline,
		timeslice:   s.settings.timeslice(),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (r *CodeRunner) cache() *ProgramCache { return r.mem.current }

// run schedules the root and steps until the run ends or suspends. The
// runner token must be held. The returned channel is closed when the
// run ended.
func (r *CodeRunner) run() <-chan struct{} {
	r.addChild(r.root)
	r.step()
	return r.done
}

// Err returns the error that aborted the run, if any.
func (r *CodeRunner) Err() error { return r.err }

// signal wakes a suspended run. Extra signals coalesce.
func (r *CodeRunner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// addOp schedules op once its dependencies are valid, scheduling the
// dependencies themselves as needed.
func (r *CodeRunner) addOp(op ScheduledOp, deps ...ScheduledOp) {
	a := op.Address()
	switch s := r.scheduled[a]; {
	case s <= op.Stage:
		r.scheduled[a] = op.Stage + 1
	case s == op.Stage+1 && s <= maxStage:
		// The op scheduled the stage it is running again; keep the
		// marker past it so finishing the current run does not reset it.
		r.scheduled[a] = op.Stage + 2
	}
	task := closedTask{op: op}
	for _, d := range deps {
		if d.At == 0 {
			continue
		}
		task.deps = append(task.deps, d.Address())
	}
	r.closed = append(r.closed, task)
	for _, d := range deps {
		r.addChild(d)
	}
}

// addChild opens dep unless it is valid or already scheduled, and
// records one more pending read for full results.
func (r *CodeRunner) addChild(dep ScheduledOp) {
	if dep.At == 0 {
		return
	}
	a := dep.Address()
	c := r.cache()
	if !c.IsValid(a) && r.scheduled[a] <= dep.Stage {
		r.open = append(r.open, dep)
		r.scheduled[a] = dep.Stage + 1
	}
	if dep.Kind == KindFull {
		c.IncreaseHitCount(a)
	}
}

// stageDone lets an address be scheduled again after its last stage.
func (r *CodeRunner) stageDone(op ScheduledOp) {
	a := op.Address()
	if r.scheduled[a] == op.Stage+1 {
		r.scheduled[a] = 0
	}
}

func (r *CodeRunner) shouldIssue() bool {
	if len(r.issued) == 0 && len(r.open) == 0 {
		return true
	}
	return !r.mem.IsMemoryBudgetFull()
}

func (r *CodeRunner) fail(sentinel error, cause error) {
	if r.err != nil {
		return
	}
	if cause != nil {
		r.err = fmt.Errorf("%w: %w", sentinel, cause)
	} else {
		r.err = sentinel
	}
	r.sys.stats.failures.Add(1)
	log.Errorf("run of %s aborted: %s", r.root, r.err.Error())
}

func (r *CodeRunner) launch(t issuedTask) bool {
	b := t.base()
	r.sys.stats.recordPrepare(b.opType)
	hasWork, err := t.prepare(r)
	if err != nil {
		r.fail(ErrTaskPrepare, fmt.Errorf("%s at %s: %w", b.opType, b.op, err))
		return false
	}
	if hasWork {
		if r.inline {
			b.err = runGuarded(t.doWork)
			r.sys.stats.recordWork(b.opType)
		} else {
			b.done = make(chan struct{})
			r.sys.workers.submit(t.doWork, func(err error) {
				b.err = err
				r.sys.stats.recordWork(b.opType)
				close(b.done)
				r.signal()
			})
		}
	}
	r.issued = append(r.issued, t)
	return true
}

func (r *CodeRunner) completeTask(t issuedTask) error {
	b := t.base()
	if b.err != nil {
		return b.err
	}
	if err := t.complete(r); err != nil {
		return err
	}
	r.sys.stats.recordComplete(b.opType)
	return nil
}

// step is one continuation of the run. It returns when the run ended,
// or after handing the run over to a goroutine that continues it.
func (r *CodeRunner) step() {
	start := time.Now()
	c := r.cache()
	for {
		// Finished issued work.
		for i := 0; i < len(r.issued); {
			t := r.issued[i]
			if !t.isComplete() {
				i++
				continue
			}
			r.issued = append(r.issued[:i], r.issued[i+1:]...)
			if err := r.completeTask(t); err != nil {
				b := t.base()
				r.fail(ErrTaskComplete, fmt.Errorf("%s at %s: %w", b.opType, b.op, err))
				r.finish()
				return
			}
			r.stageDone(t.base().op)
		}

		// Open work, most recently scheduled first.
		for len(r.open) > 0 {
			item := r.open[len(r.open)-1]
			r.open = r.open[:len(r.open)-1]
			if c.IsValid(item.Address()) {
				continue
			}
			if item.Kind == KindDescriptorOnly {
				r.runImageDesc(item)
				r.stageDone(item)
				continue
			}
			if t := r.issueOp(item); t != nil {
				if r.shouldIssue() {
					if !r.launch(t) {
						r.finish()
						return
					}
				} else {
					r.sys.stats.held.Add(1)
					r.onHold = append(r.onHold, t)
				}
				continue
			}
			r.sys.stats.recordRun(r.prog.OpType(item.At))
			r.runCode(item)
			if r.err != nil {
				r.finish()
				return
			}
			r.stageDone(item)
		}

		// Held back by the memory gate.
		for len(r.onHold) > 0 && r.shouldIssue() {
			t := r.onHold[0]
			r.onHold = r.onHold[1:]
			if !r.launch(t) {
				r.finish()
				return
			}
		}

		// Closed tasks whose dependencies are all valid.
		someReady := false
		waiting := r.closed[:0]
		for _, ct := range r.closed {
			if r.depsValid(ct) {
				r.open = append(r.open, ct.op)
				someReady = true
				continue
			}
			waiting = append(waiting, ct)
		}
		clear(r.closed[len(waiting):])
		r.closed = waiting

		if len(r.open) == 0 && len(r.issued) == 0 && len(r.onHold) == 0 {
			if len(r.closed) == 0 {
				r.finish()
				return
			}
			if !someReady {
				r.reportDeadlock()
				r.finish()
				return
			}
		}

		if len(r.open) == 0 && len(r.issued) > 0 {
			// Tasks that finished in prepare, or whose signal was
			// already taken, never wake the run.
			if r.issuedReady() {
				continue
			}
			r.sys.stats.suspends.Add(1)
			if r.inline {
				<-r.wake
				continue
			}
			r.mem.InvalidateRunnerThread()
			go func() {
				<-r.wake
				r.mem.ResetRunnerThread()
				r.step()
			}()
			return
		}

		if !r.inline && time.Since(start) > r.timeslice {
			r.sys.stats.yields.Add(1)
			r.mem.InvalidateRunnerThread()
			go func() {
				r.mem.ResetRunnerThread()
				r.step()
			}()
			return
		}
	}
}

func (r *CodeRunner) issuedReady() bool {
	for _, t := range r.issued {
		if t.isComplete() {
			return true
		}
	}
	return false
}

func (r *CodeRunner) depsValid(ct closedTask) bool {
	c := r.cache()
	for _, d := range ct.deps {
		if !c.IsValid(d) {
			return false
		}
	}
	return true
}

func (r *CodeRunner) reportDeadlock() {
	c := r.cache()
	var b strings.Builder
	for _, ct := range r.closed {
		fmt.Fprintf(&b, "\n  %s %s waits on", r.prog.OpType(ct.op.At), ct.op)
		for _, d := range ct.deps {
			if !c.IsValid(d) {
				fmt.Fprintf(&b, " %s(%s)", d, r.prog.OpType(d.At))
			}
		}
	}
	log.Errorf("scheduler deadlock with %d closed tasks:%s", len(r.closed), b.String())
	r.sys.stats.deadlocks.Add(1)
	r.fail(ErrDeadlock, nil)
}

// finish ends the run. After a failure, outstanding worker kernels are
// waited for so no pooled buffer is written after it was recycled.
func (r *CodeRunner) finish() {
	if r.err != nil {
		for _, t := range append(r.issued, r.onHold...) {
			b := t.base()
			if b.done != nil {
				<-b.done
			}
			if a, ok := t.(abandoner); ok {
				a.abandon()
			}
		}
		r.issued = nil
		r.onHold = nil
		r.open = nil
		r.closed = nil
	}
	close(r.done)
}
