package resource

// Color is a linear RGBA colour.
type Color [4]float32

// Matrix is a 4x4 row-major transform.
type Matrix [16]float32

// Identity returns the identity matrix.
func Identity() Matrix {
	return Matrix{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// ProjectorType selects the projection shape.
type ProjectorType uint8

const (
	ProjectorPlanar ProjectorType = iota
	ProjectorCylindrical
	ProjectorWrapping
)

// Projector describes how an image is projected onto a mesh.
type Projector struct {
	Type      ProjectorType
	Position  [3]float32
	Direction [3]float32
	Up        [3]float32
	Scale     [3]float32
	Angle     float32
}

// LayoutBlock is a rectangle of a texture layout, in layout grid units.
type LayoutBlock struct {
	ID   uint64
	Min  [2]uint16
	Size [2]uint16
}

// Layout is a grid of blocks used to compose images.
type Layout struct {
	Size   [2]uint16
	Blocks []LayoutBlock
}

// FindBlock returns the index of the block with the given id, or -1.
func (l *Layout) FindBlock(id uint64) int {
	if l == nil {
		return -1
	}
	for i, b := range l.Blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (l *Layout) Clone() *Layout {
	if l == nil {
		return nil
	}
	return &Layout{Size: l.Size, Blocks: append([]LayoutBlock(nil), l.Blocks...)}
}

// ExtensionData is an opaque payload handled by a host extension.
type ExtensionData struct {
	Kind    string
	Payload []byte
}
