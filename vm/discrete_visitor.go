package vm

import (
	"slices"

	"github.com/chazu/mutable/program"
)

// BranchEvaluator computes the discrete values that select branches.
type BranchEvaluator interface {
	EvalBool(at program.Address) bool
	EvalInt(at program.Address) int32
}

// AllLODs selects every level of detail.
const AllLODs uint32 = 0xffffffff

// DiscreteState is the traversal state of a DiscreteVisitor. LOD is the
// level of detail being visited, or -1 above the LOD selection.
type DiscreteState struct {
	LOD           int16
	UnderResource bool
}

// DiscreteVisitor finds the operations reachable with a concrete set of
// parameter values: conditions and switches are resolved, LODs outside
// the mask are skipped. Forks blended by continuous values, such as
// image interpolation, keep every branch.
type DiscreteVisitor struct {
	prog    *program.Program
	eval    BranchEvaluator
	lodMask uint32
	walker  *Walker[DiscreteState]

	// OnVisit, when set, is called for every visited node.
	OnVisit func(at program.Address, state DiscreteState)

	reachable map[program.Address]struct{}
}

// NewDiscreteVisitor returns a visitor over p.
func NewDiscreteVisitor(p *program.Program, eval BranchEvaluator, lodMask uint32) *DiscreteVisitor {
	return &DiscreteVisitor{
		prog:      p,
		eval:      eval,
		lodMask:   lodMask,
		walker:    NewWalker[DiscreteState](p),
		reachable: make(map[program.Address]struct{}),
	}
}

// SetSkipResources stops the traversal at resource attachments.
func (v *DiscreteVisitor) SetSkipResources(skip bool) {
	v.walker.SkipResources = skip
}

// Run traverses from root.
func (v *DiscreteVisitor) Run(root program.Address) {
	v.walker.Traverse(root, DiscreteState{LOD: -1}, v)
}

// Walker exposes the underlying walker, mainly for visit statistics.
func (v *DiscreteVisitor) Walker() *Walker[DiscreteState] { return v.walker }

// IsReachable reports whether at was visited in any state.
func (v *DiscreteVisitor) IsReachable(at program.Address) bool {
	_, ok := v.reachable[at]
	return ok
}

// Reachable returns the visited addresses in ascending order.
func (v *DiscreteVisitor) Reachable() []program.Address {
	out := make([]program.Address, 0, len(v.reachable))
	for at := range v.reachable {
		out = append(out, at)
	}
	slices.Sort(out)
	return out
}

// Decide implements Decider.
func (v *DiscreteVisitor) Decide(at program.Address, state DiscreteState) RecursionDecision[DiscreteState] {
	v.reachable[at] = struct{}{}
	if v.OnVisit != nil {
		v.OnVisit(at, state)
	}
	p := v.prog
	switch p.OpType(at) {
	case program.OpConditional:
		args := program.OpArgs[program.ConditionalArgs](p, at)
		cond := true
		if args.Condition != 0 {
			cond = v.eval.EvalBool(args.Condition)
		}
		branch := args.No
		if cond {
			branch = args.Yes
		}
		return Explicit(
			Visit[DiscreteState]{At: args.Condition, State: state},
			Visit[DiscreteState]{At: branch, State: state},
		)

	case program.OpSwitch:
		args := program.OpArgs[program.SwitchArgs](p, at)
		value := int32(0)
		if args.Variable != 0 {
			value = v.eval.EvalInt(args.Variable)
		}
		branch := args.Default
		for _, c := range args.Cases {
			if c.Condition == value {
				branch = c.Branch
				break
			}
		}
		return Explicit(
			Visit[DiscreteState]{At: args.Variable, State: state},
			Visit[DiscreteState]{At: branch, State: state},
		)

	case program.OpInstanceAddLOD:
		args := program.OpArgs[program.InstanceAddLODArgs](p, at)
		var children []Visit[DiscreteState]
		for lod, lodAt := range args.LODs {
			if lod >= 32 || v.lodMask&(1<<lod) == 0 {
				continue
			}
			s := state
			s.LOD = int16(lod)
			children = append(children, Visit[DiscreteState]{At: lodAt, State: s})
		}
		return Explicit(children...)

	case program.OpInstanceAddMesh, program.OpInstanceAddImage:
		args := program.OpArgs[program.InstanceAddResourceArgs](p, at)
		children := []Visit[DiscreteState]{{At: args.Instance, State: state}}
		if !v.walker.SkipResources {
			s := state
			s.UnderResource = true
			children = append(children, Visit[DiscreteState]{At: args.Resource, State: s})
		}
		return Explicit(children...)
	}
	return Recurse[DiscreteState]()
}
