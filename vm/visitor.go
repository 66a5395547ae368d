package vm

import "github.com/chazu/mutable/program"

// RecursionKind tells the walker what to do after visiting a node.
type RecursionKind uint8

const (
	// RecurseAll follows every operand of the node with the same state.
	RecurseAll RecursionKind = iota
	// RecurseExplicit follows only the listed children.
	RecurseExplicit
	// StopHere does not follow any operand.
	StopHere
)

// Visit is one (address, state) pair of a traversal.
type Visit[S comparable] struct {
	At    program.Address
	State S
}

// RecursionDecision is returned by a Decider for every visited node.
type RecursionDecision[S comparable] struct {
	Kind     RecursionKind
	Children []Visit[S]
}

// Recurse follows all operands.
func Recurse[S comparable]() RecursionDecision[S] {
	return RecursionDecision[S]{Kind: RecurseAll}
}

// Stop follows nothing.
func Stop[S comparable]() RecursionDecision[S] {
	return RecursionDecision[S]{Kind: StopHere}
}

// Explicit follows only the given children.
func Explicit[S comparable](children ...Visit[S]) RecursionDecision[S] {
	return RecursionDecision[S]{Kind: RecurseExplicit, Children: children}
}

// Decider decides, per visited node, which children are relevant.
type Decider[S comparable] interface {
	Decide(at program.Address, state S) RecursionDecision[S]
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc[S comparable] func(at program.Address, state S) RecursionDecision[S]

func (f DeciderFunc[S]) Decide(at program.Address, state S) RecursionDecision[S] {
	return f(at, state)
}

type visitKey struct {
	at    program.Address
	state int32
}

// Walker traverses the operation graph top-down without recursion,
// passing every (address, state) pair to its Decider at most once.
// States are interned, so the visited check compares small integers.
type Walker[S comparable] struct {
	prog *program.Program

	// SkipResources makes resource attachments follow only their
	// instance operand when the decider recurses into all operands.
	SkipResources bool

	states     []S
	stateIndex map[S]int32
	visited    map[visitKey]struct{}
	pending    []visitKey
	visits     int
}

// NewWalker returns a walker over p.
func NewWalker[S comparable](p *program.Program) *Walker[S] {
	return &Walker[S]{
		prog:       p,
		stateIndex: make(map[S]int32),
		visited:    make(map[visitKey]struct{}),
	}
}

func (w *Walker[S]) intern(s S) int32 {
	if i, ok := w.stateIndex[s]; ok {
		return i
	}
	i := int32(len(w.states))
	w.states = append(w.states, s)
	w.stateIndex[s] = i
	return i
}

// Traverse visits everything reachable from root starting in state.
func (w *Walker[S]) Traverse(root program.Address, state S, d Decider[S]) {
	if root == 0 {
		return
	}
	w.pending = append(w.pending[:0], visitKey{at: root, state: w.intern(state)})
	for len(w.pending) > 0 {
		k := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]
		if _, seen := w.visited[k]; seen {
			continue
		}
		w.visited[k] = struct{}{}
		w.visits++

		state := w.states[k.state]
		dec := d.Decide(k.at, state)
		switch dec.Kind {
		case RecurseAll:
			w.pushOperands(k)
		case RecurseExplicit:
			// Pushed in reverse so they pop in the listed order.
			for i := len(dec.Children) - 1; i >= 0; i-- {
				c := dec.Children[i]
				if c.At != 0 {
					w.pending = append(w.pending, visitKey{at: c.At, state: w.intern(c.State)})
				}
			}
		}
	}
}

func (w *Walker[S]) pushOperands(k visitKey) {
	if w.SkipResources {
		switch w.prog.OpType(k.at) {
		case program.OpInstanceAddMesh, program.OpInstanceAddImage:
			args := program.OpArgs[program.InstanceAddResourceArgs](w.prog, k.at)
			if args.Instance != 0 {
				w.pending = append(w.pending, visitKey{at: args.Instance, state: k.state})
			}
			return
		}
	}
	var children []program.Address
	w.prog.ForEachReference(k.at, func(a program.Address) {
		children = append(children, a)
	})
	for i := len(children) - 1; i >= 0; i-- {
		w.pending = append(w.pending, visitKey{at: children[i], state: k.state})
	}
}

// FullTraverse visits the root of every state, each starting in state.
func (w *Walker[S]) FullTraverse(state S, d Decider[S]) {
	for _, s := range w.prog.States {
		w.Traverse(s.Root, state, d)
	}
}

// Visited reports whether at was visited in state.
func (w *Walker[S]) Visited(at program.Address, state S) bool {
	i, ok := w.stateIndex[state]
	if !ok {
		return false
	}
	_, seen := w.visited[visitKey{at: at, state: i}]
	return seen
}

// Visits returns how many times the decider was called.
func (w *Walker[S]) Visits() int { return w.visits }

// StateCount returns the number of distinct states seen.
func (w *Walker[S]) StateCount() int { return len(w.states) }
