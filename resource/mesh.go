package resource

// meshOverhead approximates the fixed bookkeeping cost of a mesh.
const meshOverhead = 64

// Mesh is an indexed triangle list.
type Mesh struct {
	Positions []float32
	Indices   []uint32

	// ReferenceID is set for meshes that only name an external resource.
	ReferenceID uint32
}

// NewReferenceMesh returns a geometry-less mesh naming an external resource.
func NewReferenceMesh(id uint32) *Mesh {
	return &Mesh{ReferenceID: id}
}

// DataSize implements Resource.
func (m *Mesh) DataSize() int {
	if m == nil {
		return 0
	}
	return meshOverhead + 4*len(m.Positions) + 4*len(m.Indices)
}

// VertexCount returns the number of xyz positions.
func (m *Mesh) VertexCount() int {
	return len(m.Positions) / 3
}

// IsReference reports whether the mesh only names an external resource.
func (m *Mesh) IsReference() bool {
	return m.ReferenceID != 0 && len(m.Positions) == 0
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	if m == nil {
		return nil
	}
	return &Mesh{
		Positions:   append([]float32(nil), m.Positions...),
		Indices:     append([]uint32(nil), m.Indices...),
		ReferenceID: m.ReferenceID,
	}
}
