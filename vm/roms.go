package vm

import (
	"container/heap"
	"weak"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// romUsageWeight scales the usage count against recency when choosing
// which rom to unload.
const romUsageWeight = 100

// modelRoms is the rom bookkeeping of one model. The model is weakly
// referenced so the manager never keeps an unloaded model alive.
type modelRoms struct {
	model   weak.Pointer[program.Model]
	weights []uint32
	ticks   []uint32
	pending []int32
	// loaded is the rom bytes this manager accounted for the model.
	loaded int64
}

func (m *WorkingMemoryManager) findModelRoms(model *program.Model) *modelRoms {
	for _, e := range m.models {
		if e.model.Value() == model {
			return e
		}
	}
	return nil
}

// FindOrAddModelRoms returns the rom bookkeeping of model, first
// dropping entries of models that no longer exist.
func (m *WorkingMemoryManager) FindOrAddModelRoms(model *program.Model) *modelRoms {
	live := m.models[:0]
	for _, e := range m.models {
		if e.model.Value() == nil {
			m.counters.roms.Add(-e.loaded)
			continue
		}
		live = append(live, e)
	}
	clear(m.models[len(live):])
	m.models = live

	if e := m.findModelRoms(model); e != nil {
		return e
	}
	n := len(model.Program.Roms)
	e := &modelRoms{
		model:   weak.Make(model),
		weights: make([]uint32, n),
		ticks:   make([]uint32, n),
		pending: make([]int32, n),
	}
	m.models = append(m.models, e)
	return e
}

// MarkRomUsed bumps the usage weight of a rom and stamps it with a new
// tick. With an unlimited budget roms are never unloaded, so nothing is
// tracked.
func (m *WorkingMemoryManager) MarkRomUsed(rom int, model *program.Model) {
	if m.budget == 0 {
		return
	}
	m.romTick++
	e := m.FindOrAddModelRoms(model)
	e.weights[rom]++
	e.ticks[rom] = m.romTick
}

// beginRomOp marks a rom as awaited by an operation. Awaited roms are
// never unloaded.
func (m *WorkingMemoryManager) beginRomOp(rom int, model *program.Model) {
	m.FindOrAddModelRoms(model).pending[rom]++
}

func (m *WorkingMemoryManager) endRomOp(rom int, model *program.Model) {
	if e := m.findModelRoms(model); e != nil && e.pending[rom] > 0 {
		e.pending[rom]--
	}
}

// romPending reports whether any operation still awaits the rom.
func (m *WorkingMemoryManager) romPending(rom int, model *program.Model) bool {
	e := m.findModelRoms(model)
	return e != nil && e.pending[rom] > 0
}

// setRomValue makes a streamed rom resident and accounts for it.
func (m *WorkingMemoryManager) setRomValue(rom int, model *program.Model, v resource.Resource) {
	if model.IsRomLoaded(rom) {
		return
	}
	model.SetRomValue(rom, v)
	size := int64(model.Program.Roms[rom].Size)
	m.FindOrAddModelRoms(model).loaded += size
	m.counters.roms.Add(size)
}

func (m *WorkingMemoryManager) unloadRom(e *modelRoms, model *program.Model, rom int) {
	freed := int64(model.UnloadRom(rom))
	if freed == 0 {
		return
	}
	e.loaded -= freed
	m.counters.roms.Add(-freed)
	m.counters.romEvictions.Add(1)
}

func (m *WorkingMemoryManager) unloadAllRoms() {
	for _, e := range m.models {
		model := e.model.Value()
		if model == nil {
			continue
		}
		for rom := range model.Program.Roms {
			m.unloadRom(e, model, rom)
		}
	}
}

// RomBytes returns the resident rom bytes accounted by this manager.
func (m *WorkingMemoryManager) RomBytes() int64 {
	return m.counters.roms.Load()
}

type romCandidate struct {
	priority int64
	entry    *modelRoms
	model    *program.Model
	rom      int
}

// romHeap pops the lowest priority first.
type romHeap []romCandidate

func (h romHeap) Len() int           { return len(h) }
func (h romHeap) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h romHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *romHeap) Push(x any)        { *h = append(*h, x.(romCandidate)) }
func (h *romHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// evictRoms unloads resident roms that no operation awaits, least
// valuable first, until the budget is met. Candidates are heapified
// rather than sorted since usually only a few are popped.
func (m *WorkingMemoryManager) evictRoms(additional int64) {
	var h romHeap
	for _, e := range m.models {
		model := e.model.Value()
		if model == nil {
			continue
		}
		for rom := range model.Program.Roms {
			if !model.IsRomLoaded(rom) || e.pending[rom] > 0 {
				continue
			}
			p := romUsageWeight*int64(e.weights[rom]) - int64(m.romTick-e.ticks[rom])
			h = append(h, romCandidate{priority: p, entry: e, model: model, rom: rom})
		}
	}
	heap.Init(&h)
	for h.Len() > 0 && m.overBy(additional) > 0 {
		c := heap.Pop(&h).(romCandidate)
		m.unloadRom(c.entry, c.model, c.rom)
	}
}
