package vm

import "sync/atomic"

// MemoryCounters is the memory accounting of one working memory
// manager. Each System owns its own set, so several VMs can live in one
// process without sharing totals.
type MemoryCounters struct {
	pooled    atomic.Int64
	temporary atomic.Int64
	cached    atomic.Int64
	roms      atomic.Int64
	slots     atomic.Int64

	allocations  atomic.Uint64
	poolHits     atomic.Uint64
	clones       atomic.Uint64
	takeovers    atomic.Uint64
	romEvictions atomic.Uint64
	evictions    atomic.Uint64
}

// MemoryStats is a snapshot of MemoryCounters.
type MemoryStats struct {
	PooledBytes    int64
	TemporaryBytes int64
	CachedBytes    int64
	RomBytes       int64
	SlotBytes      int64

	Allocations  uint64
	PoolHits     uint64
	Clones       uint64
	TakeOvers    uint64
	RomEvictions uint64
	Evictions    uint64
}

// Total returns the bytes counted against the budget.
func (s MemoryStats) Total() int64 {
	return s.PooledBytes + s.TemporaryBytes + s.CachedBytes + s.RomBytes
}

// Snapshot returns the current values.
func (c *MemoryCounters) Snapshot() MemoryStats {
	return MemoryStats{
		PooledBytes:    c.pooled.Load(),
		TemporaryBytes: c.temporary.Load(),
		CachedBytes:    c.cached.Load(),
		RomBytes:       c.roms.Load(),
		SlotBytes:      c.slots.Load(),
		Allocations:    c.allocations.Load(),
		PoolHits:       c.poolHits.Load(),
		Clones:         c.clones.Load(),
		TakeOvers:      c.takeovers.Load(),
		RomEvictions:   c.romEvictions.Load(),
		Evictions:      c.evictions.Load(),
	}
}

func (c *MemoryCounters) budgeted() int64 {
	return c.pooled.Load() + c.temporary.Load() + c.cached.Load() + c.roms.Load()
}
