package resource

import "fmt"

// ResourceID identifies a generated image or mesh. The high half is the
// root operation address, the low half a per-system counter.
type ResourceID uint64

// MakeResourceID packs a root address and a counter.
func MakeResourceID(root uint32, counter uint32) ResourceID {
	return ResourceID(uint64(root)<<32 | uint64(counter))
}

// Root returns the operation address the resource was generated from.
func (id ResourceID) Root() uint32 {
	return uint32(id >> 32)
}

func (id ResourceID) String() string {
	return fmt.Sprintf("%d:%d", uint32(id>>32), uint32(id))
}

// ResourceRef names a resource attached to an instance.
type ResourceRef struct {
	ID   ResourceID
	Name string
}

// NamedExtensionData is extension data attached to an instance.
type NamedExtensionData struct {
	Name string
	Data *ExtensionData
}

// LOD is one level of detail of an instance.
type LOD struct {
	Meshes        []ResourceRef
	Images        []ResourceRef
	ExtensionData []NamedExtensionData
}

// Instance is the structural result of an update: which meshes and
// images make up each LOD. Heavy payloads are requested separately by id.
type Instance struct {
	LODs []LOD
}

// NewInstance returns an instance with a single empty LOD.
func NewInstance() *Instance {
	return &Instance{LODs: make([]LOD, 1)}
}

// Clone returns a deep copy.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return NewInstance()
	}
	out := &Instance{LODs: make([]LOD, len(in.LODs))}
	for i, l := range in.LODs {
		out.LODs[i] = LOD{
			Meshes:        append([]ResourceRef(nil), l.Meshes...),
			Images:        append([]ResourceRef(nil), l.Images...),
			ExtensionData: append([]NamedExtensionData(nil), l.ExtensionData...),
		}
	}
	return out
}

// LODCount returns the number of LODs.
func (in *Instance) LODCount() int {
	if in == nil {
		return 0
	}
	return len(in.LODs)
}

// IsEmpty reports whether the instance carries no resources.
func (in *Instance) IsEmpty() bool {
	if in == nil {
		return true
	}
	for _, l := range in.LODs {
		if len(l.Meshes) > 0 || len(l.Images) > 0 || len(l.ExtensionData) > 0 {
			return false
		}
	}
	return true
}

// FirstLOD returns LOD 0, creating it if needed.
func (in *Instance) FirstLOD() *LOD {
	if len(in.LODs) == 0 {
		in.LODs = append(in.LODs, LOD{})
	}
	return &in.LODs[0]
}
