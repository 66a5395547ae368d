package vm

import (
	"sync/atomic"

	"github.com/chazu/mutable/program"
)

// RunStats counts what the scheduler did, per operation type. Counters
// are atomic so workers can record without the runner token.
type RunStats struct {
	runs      [program.OpCount]atomic.Uint64
	prepared  [program.OpCount]atomic.Uint64
	worked    [program.OpCount]atomic.Uint64
	completed [program.OpCount]atomic.Uint64

	updates   atomic.Uint64
	deadlocks atomic.Uint64
	failures  atomic.Uint64
	suspends  atomic.Uint64
	yields    atomic.Uint64
	held      atomic.Uint64
}

func (s *RunStats) recordRun(t program.OpType) {
	if t < program.OpCount {
		s.runs[t].Add(1)
	}
}

func (s *RunStats) recordPrepare(t program.OpType) {
	if t < program.OpCount {
		s.prepared[t].Add(1)
	}
}

func (s *RunStats) recordWork(t program.OpType) {
	if t < program.OpCount {
		s.worked[t].Add(1)
	}
}

func (s *RunStats) recordComplete(t program.OpType) {
	if t < program.OpCount {
		s.completed[t].Add(1)
	}
}

// Runs returns how many times ops of type t were run inline.
func (s *RunStats) Runs(t program.OpType) uint64 { return s.runs[t].Load() }

// Prepared returns how many issued tasks of type t were prepared.
func (s *RunStats) Prepared(t program.OpType) uint64 { return s.prepared[t].Load() }

// Worked returns how many kernels of type t ran on a worker.
func (s *RunStats) Worked(t program.OpType) uint64 { return s.worked[t].Load() }

// Completed returns how many issued tasks of type t completed.
func (s *RunStats) Completed(t program.OpType) uint64 { return s.completed[t].Load() }

// Reset zeroes every counter.
func (s *RunStats) Reset() {
	for i := range s.runs {
		s.runs[i].Store(0)
		s.prepared[i].Store(0)
		s.worked[i].Store(0)
		s.completed[i].Store(0)
	}
	s.updates.Store(0)
	s.deadlocks.Store(0)
	s.failures.Store(0)
	s.suspends.Store(0)
	s.yields.Store(0)
	s.held.Store(0)
}

// StatsSummary holds aggregate run statistics.
type StatsSummary struct {
	Updates   uint64 // BeginUpdate calls
	Runs      uint64 // ops run inline
	Issued    uint64 // tasks prepared
	Kernels   uint64 // kernels run on workers
	Deadlocks uint64
	Failures  uint64 // runs aborted by a task failure
	Suspends  uint64 // waits for issued work
	Yields    uint64 // time slice yields
	Held      uint64 // tasks held back while memory was short
	Memory    MemoryStats
}

// Summary returns aggregate statistics.
func (s *RunStats) Summary() StatsSummary {
	var out StatsSummary
	for i := range s.runs {
		out.Runs += s.runs[i].Load()
		out.Issued += s.prepared[i].Load()
		out.Kernels += s.worked[i].Load()
	}
	out.Updates = s.updates.Load()
	out.Deadlocks = s.deadlocks.Load()
	out.Failures = s.failures.Load()
	out.Suspends = s.suspends.Load()
	out.Yields = s.yields.Load()
	out.Held = s.held.Load()
	return out
}
