package vm

import (
	"math"
	"math/bits"
	"weak"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// DefaultGeneratedCacheSize bounds the generated resource table.
const DefaultGeneratedCacheSize = 1024

// ErrorResourceID is returned when no key can be built.
const ErrorResourceID resource.ResourceID = 0xffff

// bitWriter packs values LSB first.
type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) writeBit(b bool) {
	if w.nbit%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b {
		w.buf[len(w.buf)-1] |= 1 << (w.nbit % 8)
	}
	w.nbit++
}

func (w *bitWriter) writeBits(v uint64, n int) {
	for i := 0; i < n; i++ {
		w.writeBit(v&(1<<i) != 0)
	}
}

func (w *bitWriter) writeUint32(v uint32) { w.writeBits(uint64(v), 32) }

func (w *bitWriter) writeFloat(f float32) { w.writeUint32(math.Float32bits(f)) }

// writeLimited writes v in the fewest bits that hold any value below max.
func (w *bitWriter) writeLimited(v, max uint32) {
	if max <= 1 {
		return
	}
	w.writeBits(uint64(v), bits.Len32(max-1))
}

func (w *bitWriter) bytes() []byte { return w.buf }

type generatedKey struct {
	model weak.Pointer[program.Model]
	root  program.Address
	blob  string
}

// generatedResources maps (model, root, relevant parameter values) to
// a stable resource id, keeping the most recently requested entries.
type generatedResources struct {
	lru       *simplelru.LRU[generatedKey, resource.ResourceID]
	max       int
	lastKeyID uint32
}

func newGeneratedResources(max int) generatedResources {
	var g generatedResources
	g.setMax(max)
	return g
}

// setMax bounds the table. A bound of 0 or less disables it.
func (g *generatedResources) setMax(n int) {
	g.max = n
	if n <= 0 {
		g.lru = nil
		return
	}
	if g.lru != nil {
		if evicted := g.lru.Resize(n); evicted > 0 {
			log.Debugf("generated resource table shrunk to %d, dropped %d entries", n, evicted)
		}
		return
	}
	lru, err := simplelru.NewLRU[generatedKey, resource.ResourceID](n, nil)
	if err != nil {
		panic(err)
	}
	g.lru = lru
}

func (g *generatedResources) len() int {
	if g.lru == nil {
		return 0
	}
	return g.lru.Len()
}

// makeRoom drops one entry from a full table, preferring entries whose
// model is gone over the least recently requested one.
func (g *generatedResources) makeRoom() {
	if g.lru.Len() < g.max {
		return
	}
	for _, k := range g.lru.Keys() {
		if k.model.Value() == nil {
			g.lru.Remove(k)
			return
		}
	}
	if k, _, ok := g.lru.RemoveOldest(); ok {
		log.Debugf("generated resource table full, dropped entry for root %d", k.root)
	}
}

type relevantKey struct {
	prog weak.Pointer[program.Program]
	root program.Address
}

// relevantParameterCache memoizes the parameters each root depends on.
type relevantParameterCache map[relevantKey][]int

// relevantParameters returns the parameters read anywhere below root,
// in ascending order.
func (m *WorkingMemoryManager) relevantParameters(p *program.Program, root program.Address) []int {
	key := relevantKey{prog: weak.Make(p), root: root}
	if params, ok := m.relevant[key]; ok {
		return params
	}
	flags := make([]bool, len(p.Parameters))
	w := NewWalker[struct{}](p)
	w.Traverse(root, struct{}{}, DeciderFunc[struct{}](func(at program.Address, _ struct{}) RecursionDecision[struct{}] {
		if p.OpType(at).IsParameter() {
			flags[program.OpArgs[program.ParameterArgs](p, at).Parameter] = true
		}
		return Recurse[struct{}]()
	}))
	var params []int
	for i, f := range flags {
		if f {
			params = append(params, i)
		}
	}
	for k := range m.relevant {
		if k.prog.Value() == nil {
			delete(m.relevant, k)
		}
	}
	m.relevant[key] = params
	return params
}

func writeParamValue(w *bitWriter, d program.ParamDesc, v program.ParamValue) {
	switch d.Type {
	case program.ParamBool:
		w.writeBit(v.Bool)
	case program.ParamInt:
		if n := len(d.PossibleValues); n > 0 {
			index := 0
			for i, pv := range d.PossibleValues {
				if pv.Value == v.Int {
					index = i
					break
				}
			}
			w.writeLimited(uint32(index), uint32(n))
		} else {
			w.writeUint32(uint32(v.Int))
		}
	case program.ParamFloat:
		w.writeFloat(v.Float)
	case program.ParamColour:
		for _, c := range v.Colour {
			w.writeFloat(c)
		}
	case program.ParamString:
		w.writeUint32(uint32(len(v.String)))
		for i := 0; i < len(v.String); i++ {
			w.writeBits(uint64(v.String[i]), 8)
		}
	case program.ParamMatrix:
		for _, c := range v.Matrix {
			w.writeFloat(c)
		}
	case program.ParamProjector:
		w.writeBits(uint64(v.Projector.Type), 8)
		for _, vec := range [][3]float32{v.Projector.Position, v.Projector.Direction, v.Projector.Up, v.Projector.Scale} {
			for _, c := range vec {
				w.writeFloat(c)
			}
		}
		w.writeFloat(v.Projector.Angle)
	case program.ParamImage, program.ParamMesh:
		w.writeUint32(v.ExternalID)
	}
}

// parameterBlob packs the relevant parameters of params. A leading mask
// has one bit per relevant parameter; only parameters that differ from
// their default or carry per-position values are written.
func parameterBlob(p *program.Program, params *program.Parameters, relevant []int) []byte {
	var w bitWriter
	included := make([]bool, len(relevant))
	for i, pi := range relevant {
		included[i] = params.ValueCount(pi) > 0 || params.Value(pi, nil) != p.Parameters[pi].Default
		w.writeBit(included[i])
	}
	for i, pi := range relevant {
		if !included[i] {
			continue
		}
		d := p.Parameters[pi]
		writeParamValue(&w, d, params.Value(pi, nil))
		if params.ValueCount(pi) == 0 {
			continue
		}
		w.writeBits(uint64(params.ValueCount(pi)), 16)
		params.ForEachPositionValue(pi, func(pos []int32, v program.ParamValue) {
			w.writeBits(uint64(len(pos)), 16)
			for _, c := range pos {
				w.writeUint32(uint32(c))
			}
			writeParamValue(&w, d, v)
		})
	}
	return w.bytes()
}

// GetResourceKey returns the id of the resource generated at root with
// the given parameters. The same model, root and relevant parameter
// values always map to the same id while the entry stays in the table.
func (m *WorkingMemoryManager) GetResourceKey(model *program.Model, params *program.Parameters, root program.Address) resource.ResourceID {
	if model == nil || params == nil {
		return ErrorResourceID
	}
	p := model.Program
	blob := parameterBlob(p, params, m.relevantParameters(p, root))

	g := &m.generated
	key := generatedKey{model: weak.Make(model), root: root, blob: string(blob)}
	if g.lru != nil {
		if id, ok := g.lru.Get(key); ok {
			return id
		}
	}

	g.lastKeyID++
	id := resource.MakeResourceID(uint32(root), g.lastKeyID)
	if g.lru != nil {
		g.makeRoom()
		g.lru.Add(key, id)
	}
	return id
}

// SetGeneratedCacheSize bounds the generated resource table, dropping
// entries beyond the new size.
func (m *WorkingMemoryManager) SetGeneratedCacheSize(n int) {
	m.generated.setMax(n)
}

// GeneratedCacheLen returns the number of entries in the table.
func (m *WorkingMemoryManager) GeneratedCacheLen() int {
	return m.generated.len()
}
