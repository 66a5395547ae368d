package program

import (
	"encoding/binary"
	"maps"
	"slices"

	"github.com/chazu/mutable/resource"
)

// ParamType is the type of a parameter.
type ParamType uint8

const (
	ParamBool ParamType = iota
	ParamInt
	ParamFloat
	ParamColour
	ParamString
	ParamMatrix
	ParamProjector
	ParamImage
	ParamMesh
)

// IsDiscrete reports whether the parameter selects branches rather than
// interpolating between them.
func (t ParamType) IsDiscrete() bool {
	return t == ParamBool || t == ParamInt
}

// IntValueDesc is one allowed value of an enumerated int parameter.
type IntValueDesc struct {
	Value int32
	Name  string
}

// ParamValue holds a parameter value of any type. Only the field
// matching the parameter type is meaningful.
type ParamValue struct {
	Bool       bool
	Int        int32
	Float      float32
	Colour     resource.Color
	String     string
	Matrix     resource.Matrix
	Projector  resource.Projector
	ExternalID uint32
}

// ParamDesc describes one parameter of a program.
type ParamDesc struct {
	Name           string
	UID            string
	Type           ParamType
	Default        ParamValue
	PossibleValues []IntValueDesc
	Ranges         []int
}

// Parameters is a set of values for the parameters of one program.
// Parameters with ranges may hold one value per range position; reads
// at a position without its own value fall back to the plain value.
type Parameters struct {
	descs  []ParamDesc
	values []ParamValue
	multi  []map[string]ParamValue
}

// NewParameters returns the default values for p.
func NewParameters(p *Program) *Parameters {
	ps := &Parameters{
		descs:  p.Parameters,
		values: make([]ParamValue, len(p.Parameters)),
		multi:  make([]map[string]ParamValue, len(p.Parameters)),
	}
	for i, d := range p.Parameters {
		ps.values[i] = d.Default
	}
	return ps
}

// Count returns the number of parameters.
func (ps *Parameters) Count() int {
	return len(ps.values)
}

// Desc returns the description of parameter i.
func (ps *Parameters) Desc(i int) ParamDesc {
	return ps.descs[i]
}

// Find returns the index of the named parameter, or -1.
func (ps *Parameters) Find(name string) int {
	for i, d := range ps.descs {
		if d.Name == name {
			return i
		}
	}
	return -1
}

func posKey(pos []int32) string {
	b := make([]byte, 4*len(pos))
	for i, p := range pos {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(p))
	}
	return string(b)
}

// Value returns parameter i at the given range position. A nil pos
// reads the plain value.
func (ps *Parameters) Value(i int, pos []int32) ParamValue {
	if len(pos) > 0 && ps.multi[i] != nil {
		if v, ok := ps.multi[i][posKey(pos)]; ok {
			return v
		}
	}
	return ps.values[i]
}

// SetValue stores parameter i, at a range position when pos is given.
func (ps *Parameters) SetValue(i int, v ParamValue, pos ...int32) {
	if len(pos) == 0 {
		ps.values[i] = v
		return
	}
	if ps.multi[i] == nil {
		ps.multi[i] = make(map[string]ParamValue)
	}
	ps.multi[i][posKey(pos)] = v
}

// ValueCount returns how many per-position values parameter i holds.
func (ps *Parameters) ValueCount(i int) int {
	return len(ps.multi[i])
}

func (ps *Parameters) GetBoolValue(i int, pos []int32) bool  { return ps.Value(i, pos).Bool }
func (ps *Parameters) GetIntValue(i int, pos []int32) int32  { return ps.Value(i, pos).Int }
func (ps *Parameters) GetFloatValue(i int, pos []int32) float32 {
	return ps.Value(i, pos).Float
}
func (ps *Parameters) GetColourValue(i int, pos []int32) resource.Color {
	return ps.Value(i, pos).Colour
}
func (ps *Parameters) GetStringValue(i int, pos []int32) string {
	return ps.Value(i, pos).String
}
func (ps *Parameters) GetMatrixValue(i int, pos []int32) resource.Matrix {
	return ps.Value(i, pos).Matrix
}
func (ps *Parameters) GetProjectorValue(i int, pos []int32) resource.Projector {
	return ps.Value(i, pos).Projector
}
func (ps *Parameters) GetImageValue(i int, pos []int32) uint32 { return ps.Value(i, pos).ExternalID }
func (ps *Parameters) GetMeshValue(i int, pos []int32) uint32  { return ps.Value(i, pos).ExternalID }

func (ps *Parameters) SetBoolValue(i int, v bool, pos ...int32) {
	ps.SetValue(i, ParamValue{Bool: v}, pos...)
}

func (ps *Parameters) SetIntValue(i int, v int32, pos ...int32) {
	ps.SetValue(i, ParamValue{Int: v}, pos...)
}

func (ps *Parameters) SetFloatValue(i int, v float32, pos ...int32) {
	ps.SetValue(i, ParamValue{Float: v}, pos...)
}

func (ps *Parameters) SetColourValue(i int, v resource.Color, pos ...int32) {
	ps.SetValue(i, ParamValue{Colour: v}, pos...)
}

func (ps *Parameters) SetStringValue(i int, v string, pos ...int32) {
	ps.SetValue(i, ParamValue{String: v}, pos...)
}

func (ps *Parameters) SetImageValue(i int, id uint32, pos ...int32) {
	ps.SetValue(i, ParamValue{ExternalID: id}, pos...)
}

func (ps *Parameters) SetMeshValue(i int, id uint32, pos ...int32) {
	ps.SetValue(i, ParamValue{ExternalID: id}, pos...)
}

// HasSameValue reports whether parameter i here equals parameter j of
// other, including per-position values.
func (ps *Parameters) HasSameValue(i int, other *Parameters, j int) bool {
	if ps.values[i] != other.values[j] {
		return false
	}
	return maps.Equal(ps.multi[i], other.multi[j])
}

// Clone returns an independent copy.
func (ps *Parameters) Clone() *Parameters {
	c := &Parameters{
		descs:  ps.descs,
		values: append([]ParamValue(nil), ps.values...),
		multi:  make([]map[string]ParamValue, len(ps.multi)),
	}
	for i, m := range ps.multi {
		if m != nil {
			c.multi[i] = maps.Clone(m)
		}
	}
	return c
}

// ForEachPositionValue calls fn for every per-position value of
// parameter i, in ascending key order.
func (ps *Parameters) ForEachPositionValue(i int, fn func(pos []int32, v ParamValue)) {
	keys := slices.Sorted(maps.Keys(ps.multi[i]))
	for _, k := range keys {
		pos := make([]int32, len(k)/4)
		for p := range pos {
			pos[p] = int32(binary.LittleEndian.Uint32([]byte(k[4*p:])))
		}
		fn(pos, ps.multi[i][k])
	}
}
