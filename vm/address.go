package vm

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/chazu/mutable/program"
)

// ResultKind tells whether a request wants the full value or only an
// image descriptor.
type ResultKind uint8

const (
	KindFull ResultKind = iota
	KindDescriptorOnly
)

func (k ResultKind) String() string {
	if k == KindDescriptorOnly {
		return "desc"
	}
	return "full"
}

// CacheAddress identifies one producible value: an operation evaluated
// under one execution index with one set of execution options.
type CacheAddress struct {
	At               program.Address
	ExecutionIndex   uint16
	ExecutionOptions uint8
	Kind             ResultKind
}

// Compare orders addresses lexicographically on their fields.
func (a CacheAddress) Compare(b CacheAddress) int {
	return cmp.Or(
		cmp.Compare(a.At, b.At),
		cmp.Compare(a.ExecutionIndex, b.ExecutionIndex),
		cmp.Compare(a.ExecutionOptions, b.ExecutionOptions),
		cmp.Compare(a.Kind, b.Kind),
	)
}

func (a CacheAddress) String() string {
	return fmt.Sprintf("%d-%d-%d-%s", a.At, a.ExecutionIndex, a.ExecutionOptions, a.Kind)
}

func (a CacheAddress) key() slotKey {
	return slotKey{at: a.At, index: a.ExecutionIndex, options: a.ExecutionOptions}
}

// slotKey is the storage key of a cache slot. Full and descriptor
// results of the same op share a slot.
type slotKey struct {
	at      program.Address
	index   uint16
	options uint8
}

// maxStage is the largest stage an op can be scheduled at.
const maxStage = 127

// ScheduledOp is one unit of scheduled work. Stage lets an op first
// schedule its children and later compute; CustomState carries data
// between stages of the same op.
type ScheduledOp struct {
	At               program.Address
	ExecutionOptions uint8
	ExecutionIndex   uint16
	CustomState      uint32
	Stage            uint8
	Kind             ResultKind
}

// Address returns the cache address the op produces.
func (op ScheduledOp) Address() CacheAddress {
	return CacheAddress{
		At:               op.At,
		ExecutionIndex:   op.ExecutionIndex,
		ExecutionOptions: op.ExecutionOptions,
		Kind:             op.Kind,
	}
}

func (op ScheduledOp) String() string {
	return fmt.Sprintf("%d-%d-%d(stage %d)", op.At, op.ExecutionIndex, op.ExecutionOptions, op.Stage)
}

// child returns the stage 0 request for at inheriting the execution
// context of parent.
func child(at program.Address, parent ScheduledOp) ScheduledOp {
	return ScheduledOp{
		At:               at,
		ExecutionOptions: parent.ExecutionOptions,
		ExecutionIndex:   parent.ExecutionIndex,
		Kind:             parent.Kind,
	}
}

// fullChild is like child but always asks for the full value, as
// needed for conditions and other non-image operands.
func fullChild(at program.Address, parent ScheduledOp) ScheduledOp {
	op := child(at, parent)
	op.Kind = KindFull
	op.ExecutionOptions = 0
	return op
}

// next returns the same op at a later stage.
func (op ScheduledOp) next(stage uint8, customState uint32) ScheduledOp {
	if stage > maxStage {
		panic(fmt.Sprintf("vm: stage %d out of range", stage))
	}
	op.Stage = stage
	op.CustomState = customState
	return op
}

// RangePosition is the position of one range in an execution index.
type RangePosition struct {
	Range    int
	Position int32
}

// ExecutionIndex says which iteration of which ranges an evaluation is
// for. Entries are kept sorted by range.
type ExecutionIndex []RangePosition

// Get returns the position for a range, or 0 if unset.
func (ix ExecutionIndex) Get(rangeID int) int32 {
	i, ok := slices.BinarySearchFunc(ix, rangeID, func(p RangePosition, r int) int {
		return cmp.Compare(p.Range, r)
	})
	if !ok {
		return 0
	}
	return ix[i].Position
}

// With returns a copy of ix with rangeID set to pos.
func (ix ExecutionIndex) With(rangeID int, pos int32) ExecutionIndex {
	out := slices.Clone(ix)
	i, ok := slices.BinarySearchFunc(out, rangeID, func(p RangePosition, r int) int {
		return cmp.Compare(p.Range, r)
	})
	if ok {
		out[i].Position = pos
		return out
	}
	return slices.Insert(out, i, RangePosition{Range: rangeID, Position: pos})
}

// Positions returns the positions for the given ranges, in order.
func (ix ExecutionIndex) Positions(ranges []int) []int32 {
	if len(ranges) == 0 {
		return nil
	}
	pos := make([]int32, len(ranges))
	for i, r := range ranges {
		pos[i] = ix.Get(r)
	}
	return pos
}

// executionIndexTable interns execution indices so cache keys can refer
// to them by a small handle. Handle 0 is the empty index.
type executionIndexTable struct {
	entries []ExecutionIndex
}

func newExecutionIndexTable() executionIndexTable {
	return executionIndexTable{entries: []ExecutionIndex{nil}}
}

func (t *executionIndexTable) intern(ix ExecutionIndex) uint16 {
	if len(ix) == 0 {
		return 0
	}
	for i, e := range t.entries {
		if slices.Equal(e, ix) {
			return uint16(i)
		}
	}
	t.entries = append(t.entries, slices.Clone(ix))
	return uint16(len(t.entries) - 1)
}

func (t *executionIndexTable) get(handle uint16) ExecutionIndex {
	if int(handle) >= len(t.entries) {
		return nil
	}
	return t.entries[handle]
}
