package program

import (
	"fmt"

	"github.com/chazu/mutable/resource"
)

// Op is one operation of the graph.
type Op struct {
	Type OpType
	Args Args
}

// State is an entry point of the program: the root evaluated by an
// update, the parameters that may change without a full rebuild, and
// the addresses pinned in the cache while the state is active.
type State struct {
	Name              string
	Root              Address
	RuntimeParameters []int
	UpdateCache       []Address
}

// RangeDesc describes a dimension that parameters and ops can iterate.
type RangeDesc struct {
	Name string
	UID  string
}

// RomDataType tells what a rom holds.
type RomDataType uint8

const (
	RomImage RomDataType = iota
	RomMesh
)

// RomDesc describes a streamable constant payload.
type RomDesc struct {
	ID            uint32
	Size          uint32
	Type          RomDataType
	ResourceIndex int
}

// ConstantImage is an image embedded in the program. Rom is -1 when the
// pixels are always resident in Data.
type ConstantImage struct {
	Desc resource.ImageDesc
	Rom  int
	Data *resource.Image
}

// ConstantMesh is a mesh embedded in the program. Rom is -1 when the
// mesh is always resident in Data.
type ConstantMesh struct {
	Rom  int
	Data *resource.Mesh
}

// Program is the compiled operation graph with its constant tables.
type Program struct {
	Ops            []Op
	States         []State
	Parameters     []ParamDesc
	Ranges         []RangeDesc
	ConstantImages []ConstantImage
	ConstantMeshes []ConstantMesh
	Layouts        []resource.Layout
	ExtensionData  []resource.ExtensionData
	Roms           []RomDesc
}

// OpCount returns the number of addresses, including the null op.
func (p *Program) OpCount() int {
	return len(p.Ops)
}

// OpType returns the type of the op at addr, or OpNone when out of range.
func (p *Program) OpType(at Address) OpType {
	if int(at) >= len(p.Ops) {
		return OpNone
	}
	return p.Ops[at].Type
}

// Args returns the argument block of the op at addr.
func (p *Program) Args(at Address) Args {
	if int(at) >= len(p.Ops) || p.Ops[at].Args == nil {
		return NoArgs{}
	}
	return p.Ops[at].Args
}

// OpArgs returns the typed arguments of the op at addr. It panics if
// the stored block has another type, which means the program is corrupt.
func OpArgs[T Args](p *Program, at Address) T {
	a, ok := p.Args(at).(T)
	if !ok {
		var zero T
		panic(fmt.Sprintf("program: op %d (%s) has args %T, want %T", at, p.OpType(at), p.Args(at), zero))
	}
	return a
}

// ForEachReference calls fn for every non-zero address the op at addr
// references.
func (p *Program) ForEachReference(at Address, fn func(Address)) {
	p.Args(at).Refs(func(a Address) {
		if a != 0 {
			fn(a)
		}
	})
}

// OpDataType returns the type of value the op at addr produces.
func (p *Program) OpDataType(at Address) DataType {
	t := p.OpType(at)
	if d, ok := fixedDataTypes[t]; ok {
		return d
	}
	switch a := p.Args(at).(type) {
	case ConditionalArgs:
		return a.DataType
	case SwitchArgs:
		return a.DataType
	}
	return DataNone
}

// IsRuntimeParameter reports whether param may change in state without
// forcing a full rebuild.
func (p *Program) IsRuntimeParameter(state, param int) bool {
	if state < 0 || state >= len(p.States) {
		return false
	}
	for _, rp := range p.States[state].RuntimeParameters {
		if rp == param {
			return true
		}
	}
	return false
}

// FindParameter returns the index of the named parameter, or -1.
func (p *Program) FindParameter(name string) int {
	for i, d := range p.Parameters {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that every reference points inside the program.
func (p *Program) Validate() error {
	if len(p.Ops) == 0 || p.Ops[0].Type != OpNone {
		return fmt.Errorf("program: address 0 must be the null op")
	}
	for at := range p.Ops {
		var bad Address
		p.ForEachReference(Address(at), func(r Address) {
			if int(r) >= len(p.Ops) && bad == 0 {
				bad = r
			}
		})
		if bad != 0 {
			return fmt.Errorf("program: op %d references missing address %d", at, bad)
		}
	}
	for i, s := range p.States {
		if int(s.Root) >= len(p.Ops) {
			return fmt.Errorf("program: state %d (%s) has invalid root %d", i, s.Name, s.Root)
		}
	}
	for i, r := range p.Roms {
		if r.Type == RomImage && (r.ResourceIndex < 0 || r.ResourceIndex >= len(p.ConstantImages)) {
			return fmt.Errorf("program: rom %d points at missing image %d", i, r.ResourceIndex)
		}
		if r.Type == RomMesh && (r.ResourceIndex < 0 || r.ResourceIndex >= len(p.ConstantMeshes)) {
			return fmt.Errorf("program: rom %d points at missing mesh %d", i, r.ResourceIndex)
		}
	}
	return nil
}
