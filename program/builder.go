package program

import (
	"fmt"

	"github.com/chazu/mutable/resource"
)

// Builder assembles a program by appending ops. Addresses are handed
// out in order, so children must be added before their parents.
type Builder struct {
	p        *Program
	payloads map[uint32][]byte
	err      error
}

// NewBuilder returns a builder holding only the null op.
func NewBuilder() *Builder {
	return &Builder{
		p:        &Program{Ops: []Op{{Type: OpNone, Args: NoArgs{}}}},
		payloads: make(map[uint32][]byte),
	}
}

// Add appends an op and returns its address.
func (b *Builder) Add(t OpType, args Args) Address {
	b.p.Ops = append(b.p.Ops, Op{Type: t, Args: args})
	return Address(len(b.p.Ops) - 1)
}

// Parameter appends a parameter description and returns its index.
func (b *Builder) Parameter(d ParamDesc) int {
	b.p.Parameters = append(b.p.Parameters, d)
	return len(b.p.Parameters) - 1
}

// State appends a state and returns its index.
func (b *Builder) State(s State) int {
	b.p.States = append(b.p.States, s)
	return len(b.p.States) - 1
}

// Range appends a range and returns its id.
func (b *Builder) Range(name string) int {
	b.p.Ranges = append(b.p.Ranges, RangeDesc{Name: name, UID: name})
	return len(b.p.Ranges) - 1
}

// Layout appends a constant layout and returns its index.
func (b *Builder) Layout(l resource.Layout) int {
	b.p.Layouts = append(b.p.Layouts, l)
	return len(b.p.Layouts) - 1
}

// ExtensionData appends constant extension data and returns its index.
func (b *Builder) ExtensionData(e resource.ExtensionData) int {
	b.p.ExtensionData = append(b.p.ExtensionData, e)
	return len(b.p.ExtensionData) - 1
}

func (b *Builder) addRom(t RomDataType, index int, r resource.Resource) int {
	id := uint32(len(b.p.Roms) + 1)
	b.p.Roms = append(b.p.Roms, RomDesc{ID: id, Size: uint32(r.DataSize()), Type: t, ResourceIndex: index})
	data, err := MarshalRom(r)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("program: encode rom %d: %w", id, err)
	}
	b.payloads[id] = data
	return len(b.p.Roms) - 1
}

// ConstantImage appends a constant image. A streamed image is kept out
// of the program in a rom whose payload is available from RomPayloads.
func (b *Builder) ConstantImage(img *resource.Image, streamed bool) int {
	index := len(b.p.ConstantImages)
	c := ConstantImage{Desc: img.Desc(), Rom: -1, Data: img}
	if streamed {
		c.Data = nil
		c.Rom = b.addRom(RomImage, index, img)
	}
	b.p.ConstantImages = append(b.p.ConstantImages, c)
	return index
}

// ConstantMesh appends a constant mesh, optionally streamed.
func (b *Builder) ConstantMesh(m *resource.Mesh, streamed bool) int {
	index := len(b.p.ConstantMeshes)
	c := ConstantMesh{Rom: -1, Data: m}
	if streamed {
		c.Data = nil
		c.Rom = b.addRom(RomMesh, index, m)
	}
	b.p.ConstantMeshes = append(b.p.ConstantMeshes, c)
	return index
}

// Bool appends a bool constant.
func (b *Builder) Bool(v bool) Address {
	return b.Add(OpBoolConstant, BoolConstantArgs{Value: v})
}

// Int appends an int constant.
func (b *Builder) Int(v int32) Address {
	return b.Add(OpIntConstant, IntConstantArgs{Value: v})
}

// Scalar appends a scalar constant.
func (b *Builder) Scalar(v float32) Address {
	return b.Add(OpScalarConstant, ScalarConstantArgs{Value: v})
}

// Colour appends a colour constant.
func (b *Builder) Colour(c resource.Color) Address {
	return b.Add(OpColourConstant, ColourConstantArgs{Value: c})
}

// ParameterOp appends the op reading parameter index with type t.
func (b *Builder) ParameterOp(t OpType, index int) Address {
	return b.Add(t, ParameterArgs{Parameter: index})
}

// PlainImage appends an op producing a flat-coloured image.
func (b *Builder) PlainImage(c resource.Color, size uint16, format resource.Format) Address {
	return b.Add(OpImagePlainColour, ImagePlainColourArgs{
		Colour: b.Colour(c),
		Size:   [2]uint16{size, size},
		LODs:   1,
		Format: format,
	})
}

// Build validates and returns the program.
func (b *Builder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.p.Validate(); err != nil {
		return nil, err
	}
	return b.p, nil
}

// RomPayloads returns the encoded payload of every streamed rom by id.
func (b *Builder) RomPayloads() map[uint32][]byte {
	return b.payloads
}
