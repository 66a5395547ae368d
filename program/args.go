package program

import "github.com/chazu/mutable/resource"

// Args is the argument block of an operation. Refs reports every
// operation address the block references, in storage order.
type Args interface {
	Refs(fn func(Address))
}

func refs(fn func(Address), addrs ...Address) {
	for _, a := range addrs {
		fn(a)
	}
}

// NoArgs is used by operations without arguments.
type NoArgs struct{}

func (NoArgs) Refs(func(Address)) {}

type BoolConstantArgs struct{ Value bool }

func (BoolConstantArgs) Refs(func(Address)) {}

type IntConstantArgs struct{ Value int32 }

func (IntConstantArgs) Refs(func(Address)) {}

type ScalarConstantArgs struct{ Value float32 }

func (ScalarConstantArgs) Refs(func(Address)) {}

type ColourConstantArgs struct{ Value resource.Color }

func (ColourConstantArgs) Refs(func(Address)) {}

type StringConstantArgs struct{ Value string }

func (StringConstantArgs) Refs(func(Address)) {}

type MatrixConstantArgs struct{ Value resource.Matrix }

func (MatrixConstantArgs) Refs(func(Address)) {}

type ProjectorConstantArgs struct{ Value resource.Projector }

func (ProjectorConstantArgs) Refs(func(Address)) {}

// TableConstantArgs indexes one of the program constant tables
// (layouts, extension data, constant images or meshes).
type TableConstantArgs struct{ Value int }

func (TableConstantArgs) Refs(func(Address)) {}

// ParameterArgs is shared by every *Parameter operation.
type ParameterArgs struct{ Parameter int }

func (ParameterArgs) Refs(func(Address)) {}

type BoolBinaryArgs struct{ A, B Address }

func (a BoolBinaryArgs) Refs(fn func(Address)) { refs(fn, a.A, a.B) }

type BoolNotArgs struct{ Source Address }

func (a BoolNotArgs) Refs(fn func(Address)) { refs(fn, a.Source) }

type BoolEqualIntConstArgs struct {
	Value    Address
	Constant int32
}

func (a BoolEqualIntConstArgs) Refs(fn func(Address)) { refs(fn, a.Value) }

// ArithmeticOp selects a scalar operation.
type ArithmeticOp uint8

const (
	ArithmeticAdd ArithmeticOp = iota
	ArithmeticSubtract
	ArithmeticMultiply
	ArithmeticDivide
)

type ArithmeticArgs struct {
	Operation ArithmeticOp
	A, B      Address
}

func (a ArithmeticArgs) Refs(fn func(Address)) { refs(fn, a.A, a.B) }

type ColourFromScalarsArgs struct{ V [4]Address }

func (a ColourFromScalarsArgs) Refs(fn func(Address)) { refs(fn, a.V[:]...) }

// ConditionalArgs selects Yes or No depending on Condition. A zero
// Condition counts as true.
type ConditionalArgs struct {
	DataType  DataType
	Condition Address
	Yes, No   Address
}

func (a ConditionalArgs) Refs(fn func(Address)) { refs(fn, a.Condition, a.Yes, a.No) }

type SwitchCase struct {
	Condition int32
	Branch    Address
}

// SwitchArgs selects the first case whose Condition equals Variable,
// or Default.
type SwitchArgs struct {
	DataType DataType
	Variable Address
	Default  Address
	Cases    []SwitchCase
}

func (a SwitchArgs) Refs(fn func(Address)) {
	refs(fn, a.Variable, a.Default)
	for _, c := range a.Cases {
		fn(c.Branch)
	}
}

// InstanceAddLODArgs builds an instance whose LOD i comes from LODs[i].
type InstanceAddLODArgs struct{ LODs []Address }

func (a InstanceAddLODArgs) Refs(fn func(Address)) { refs(fn, a.LODs...) }

// InstanceAddResourceArgs attaches a mesh, image or extension data to
// the first LOD of Instance.
type InstanceAddResourceArgs struct {
	Instance Address
	Resource Address
	Name     string
}

func (a InstanceAddResourceArgs) Refs(fn func(Address)) { refs(fn, a.Instance, a.Resource) }

// ReferenceArgs names an external resource by id. Unless ForceLoad is
// set only a placeholder carrying the id is produced.
type ReferenceArgs struct {
	ID        uint32
	ForceLoad bool
}

func (ReferenceArgs) Refs(func(Address)) {}

type MeshTransformArgs struct{ Source, Matrix Address }

func (a MeshTransformArgs) Refs(fn func(Address)) { refs(fn, a.Source, a.Matrix) }

type ImagePlainColourArgs struct {
	Colour Address
	Size   [2]uint16
	LODs   uint8
	Format resource.Format
}

func (a ImagePlainColourArgs) Refs(fn func(Address)) { refs(fn, a.Colour) }

type ImagePixelFormatArgs struct {
	Source Address
	Format resource.Format
}

func (a ImagePixelFormatArgs) Refs(fn func(Address)) { refs(fn, a.Source) }

type ImageLayerColourArgs struct {
	Base, Colour, Mask Address
	Blend              resource.BlendType
}

func (a ImageLayerColourArgs) Refs(fn func(Address)) { refs(fn, a.Base, a.Colour, a.Mask) }

// ImageMipmapArgs rebuilds the mip chain. Levels 0 means the full chain.
type ImageMipmapArgs struct {
	Source Address
	Levels uint8
}

func (a ImageMipmapArgs) Refs(fn func(Address)) { refs(fn, a.Source) }

type ImageSwizzleArgs struct {
	Format   resource.Format
	Sources  [4]Address
	Channels [4]uint8
}

func (a ImageSwizzleArgs) Refs(fn func(Address)) { refs(fn, a.Sources[:]...) }

type ImageSaturateArgs struct{ Base, Factor Address }

func (a ImageSaturateArgs) Refs(fn func(Address)) { refs(fn, a.Base, a.Factor) }

type ImageInvertArgs struct{ Base Address }

func (a ImageInvertArgs) Refs(fn func(Address)) { refs(fn, a.Base) }

type ImageResizeArgs struct {
	Source Address
	Size   [2]uint16
}

func (a ImageResizeArgs) Refs(fn func(Address)) { refs(fn, a.Source) }

type ImageResizeRelArgs struct {
	Source Address
	Factor [2]float32
}

func (a ImageResizeRelArgs) Refs(fn func(Address)) { refs(fn, a.Source) }

type ImageLayerArgs struct {
	Base, Mask, Blended Address
	Blend               resource.BlendType
}

func (a ImageLayerArgs) Refs(fn func(Address)) { refs(fn, a.Base, a.Mask, a.Blended) }

// ImageMultiLayerArgs layers Blended over Base once per position of
// range RangeID. RangeSize produces the number of iterations.
type ImageMultiLayerArgs struct {
	Base, Mask, Blended Address
	RangeSize           Address
	RangeID             int
	Blend               resource.BlendType
}

func (a ImageMultiLayerArgs) Refs(fn func(Address)) {
	refs(fn, a.Base, a.Mask, a.Blended, a.RangeSize)
}

type ImageComposeArgs struct {
	Layout     Address
	Base       Address
	BlockImage Address
	BlockID    uint64
}

func (a ImageComposeArgs) Refs(fn func(Address)) { refs(fn, a.Layout, a.Base, a.BlockImage) }

// ImageInterpolateArgs blends between consecutive Targets by a factor
// in [0,1].
type ImageInterpolateArgs struct {
	Factor  Address
	Targets []Address
}

func (a ImageInterpolateArgs) Refs(fn func(Address)) {
	refs(fn, a.Factor)
	refs(fn, a.Targets...)
}
