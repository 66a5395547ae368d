package vm

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// ContractViolation is the panic value raised when checks are enabled
// and the cache is used in a way that means a scheduling bug.
type ContractViolation struct {
	Msg string
}

func (c *ContractViolation) Error() string {
	return "vm: contract violation: " + c.Msg
}

func violation(format string, args ...any) {
	panic(&ContractViolation{Msg: fmt.Sprintf(format, args...)})
}

// hitCountLimit saturates the hit count; a saturated slot is never
// released by reads.
const hitCountLimit = math.MaxUint16

// execData is the per-address bookkeeping of a ProgramCache.
type execData struct {
	hitCount   uint16
	descValid  bool
	valueValid bool
	locked     bool
	dataType   program.DataType
	index      int32
	scalar     uint64
}

var execDataSize = int64(unsafe.Sizeof(execData{}))

// ProgramCache stores the result of every operation evaluated for one
// live instance, with hit-count based release of images and meshes.
type ProgramCache struct {
	checks   bool
	counters *MemoryCounters

	slots   []execData
	extra   map[slotKey]*execData
	indices executionIndexTable

	colours    []resource.Color
	matrices   []resource.Matrix
	projectors []resource.Projector
	strings    []string
	layouts    []*resource.Layout
	instances  []*resource.Instance
	images     []*resource.Image
	meshes     []*resource.Mesh
	extensions []*resource.ExtensionData
	descs      map[slotKey]resource.ImageDesc
}

// NewProgramCache returns an empty cache. counters may be nil.
func NewProgramCache(counters *MemoryCounters, checks bool) *ProgramCache {
	if counters == nil {
		counters = &MemoryCounters{}
	}
	return &ProgramCache{
		checks:   checks,
		counters: counters,
		extra:    make(map[slotKey]*execData),
		indices:  newExecutionIndexTable(),
		descs:    make(map[slotKey]resource.ImageDesc),
	}
}

// Init makes room for size operations, keeping existing results.
func (c *ProgramCache) Init(size int) {
	if size <= len(c.slots) {
		return
	}
	old := len(c.slots)
	c.slots = append(c.slots, make([]execData, size-old)...)
	for i := old; i < size; i++ {
		c.slots[i].index = -1
	}
	c.counters.slots.Add(int64(size-old) * execDataSize)
}

func (c *ProgramCache) slot(a CacheAddress, create bool) *execData {
	if a.ExecutionIndex == 0 && a.ExecutionOptions == 0 {
		if int(a.At) < len(c.slots) {
			return &c.slots[a.At]
		}
		if !create {
			return nil
		}
		if c.checks {
			violation("address %d beyond cache size %d", a.At, len(c.slots))
		}
		c.Init(int(a.At) + 1)
		return &c.slots[a.At]
	}
	k := a.key()
	d := c.extra[k]
	if d == nil && create {
		d = &execData{index: -1}
		c.extra[k] = d
		c.counters.slots.Add(execDataSize)
	}
	return d
}

// InternExecutionIndex returns the handle of ix.
func (c *ProgramCache) InternExecutionIndex(ix ExecutionIndex) uint16 {
	return c.indices.intern(ix)
}

// ExecutionIndex resolves a handle.
func (c *ProgramCache) ExecutionIndex(handle uint16) ExecutionIndex {
	return c.indices.get(handle)
}

// IsValid reports whether a result of the requested kind is stored.
func (c *ProgramCache) IsValid(a CacheAddress) bool {
	if a.At == 0 {
		return false
	}
	d := c.slot(a, false)
	if d == nil {
		return false
	}
	if a.Kind == KindDescriptorOnly {
		return d.descValid || d.valueValid
	}
	return d.valueValid
}

// IncreaseHitCount records one more pending read of a.
func (c *ProgramCache) IncreaseHitCount(a CacheAddress) {
	if a.At == 0 {
		return
	}
	d := c.slot(a, true)
	if d.hitCount < hitCountLimit {
		d.hitCount++
	}
}

// HitCount returns the pending reads of a.
func (c *ProgramCache) HitCount(a CacheAddress) int {
	d := c.slot(a, false)
	if d == nil {
		return 0
	}
	return int(d.hitCount)
}

// SetForceCached pins a so hit counts never release it.
func (c *ProgramCache) SetForceCached(a CacheAddress) {
	if a.At == 0 {
		return
	}
	c.slot(a, true).locked = true
}

// IsForceCached reports whether a is pinned.
func (c *ProgramCache) IsForceCached(a CacheAddress) bool {
	d := c.slot(a, false)
	return d != nil && d.locked
}

// setUnused drops the stored value but keeps the slot, its type and its
// side-table index.
func (c *ProgramCache) setUnused(d *execData) {
	d.valueValid = false
	d.descValid = false
	if d.index < 0 {
		return
	}
	switch d.dataType {
	case program.DataImage:
		c.images[d.index] = nil
	case program.DataMesh:
		c.meshes[d.index] = nil
	case program.DataInstance:
		c.instances[d.index] = nil
	case program.DataLayout:
		c.layouts[d.index] = nil
	case program.DataExtensionData:
		c.extensions[d.index] = nil
	}
}

// store prepares the slot of a for a value of type t.
func (c *ProgramCache) store(a CacheAddress, t program.DataType) *execData {
	d := c.slot(a, true)
	if d.dataType != program.DataNone && d.dataType != t {
		if c.checks {
			violation("address %v holds %s, cannot store %s", a, d.dataType, t)
		}
		d.index = -1
	}
	d.dataType = t
	d.valueValid = true
	d.descValid = true
	return d
}

// load returns the slot of a if it holds a valid value of type t.
// Dropped values read as unset.
func (c *ProgramCache) load(a CacheAddress, t program.DataType) *execData {
	if a.At == 0 {
		return nil
	}
	d := c.slot(a, false)
	if d == nil || d.dataType == program.DataNone {
		return nil
	}
	if d.dataType != t {
		if c.checks {
			violation("address %v holds %s, read as %s", a, d.dataType, t)
		}
		return nil
	}
	if !d.valueValid {
		return nil
	}
	return d
}

func allocIndex[T any](c *ProgramCache, d *execData, table *[]T, v T) {
	if d.index < 0 {
		d.index = int32(len(*table))
		*table = append(*table, v)
		c.counters.slots.Add(int64(unsafe.Sizeof(v)))
		return
	}
	(*table)[d.index] = v
}

func (c *ProgramCache) SetBool(a CacheAddress, v bool) {
	d := c.store(a, program.DataBool)
	d.scalar = 0
	if v {
		d.scalar = 1
	}
}

func (c *ProgramCache) SetInt(a CacheAddress, v int32) {
	c.store(a, program.DataInt).scalar = uint64(uint32(v))
}

func (c *ProgramCache) SetScalar(a CacheAddress, v float32) {
	c.store(a, program.DataScalar).scalar = uint64(math.Float32bits(v))
}

func (c *ProgramCache) SetColour(a CacheAddress, v resource.Color) {
	allocIndex(c, c.store(a, program.DataColour), &c.colours, v)
}

func (c *ProgramCache) SetMatrix(a CacheAddress, v resource.Matrix) {
	allocIndex(c, c.store(a, program.DataMatrix), &c.matrices, v)
}

func (c *ProgramCache) SetProjector(a CacheAddress, v resource.Projector) {
	allocIndex(c, c.store(a, program.DataProjector), &c.projectors, v)
}

func (c *ProgramCache) SetString(a CacheAddress, v string) {
	allocIndex(c, c.store(a, program.DataString), &c.strings, v)
}

func (c *ProgramCache) SetLayout(a CacheAddress, v *resource.Layout) {
	allocIndex(c, c.store(a, program.DataLayout), &c.layouts, v)
}

func (c *ProgramCache) SetInstance(a CacheAddress, v *resource.Instance) {
	allocIndex(c, c.store(a, program.DataInstance), &c.instances, v)
}

func (c *ProgramCache) SetExtensionData(a CacheAddress, v *resource.ExtensionData) {
	allocIndex(c, c.store(a, program.DataExtensionData), &c.extensions, v)
}

// SetImage stores an image. Use WorkingMemoryManager.StoreImage so the
// resource is also tracked for the budget.
func (c *ProgramCache) SetImage(a CacheAddress, v *resource.Image) {
	allocIndex(c, c.store(a, program.DataImage), &c.images, v)
}

// SetMesh stores a mesh. Use WorkingMemoryManager.StoreMesh so the
// resource is also tracked for the budget.
func (c *ProgramCache) SetMesh(a CacheAddress, v *resource.Mesh) {
	allocIndex(c, c.store(a, program.DataMesh), &c.meshes, v)
}

// SetImageDesc stores only the descriptor of an image.
func (c *ProgramCache) SetImageDesc(a CacheAddress, desc resource.ImageDesc) {
	d := c.slot(a, true)
	d.descValid = true
	c.descs[a.key()] = desc
}

func (c *ProgramCache) GetBool(a CacheAddress) bool {
	d := c.load(a, program.DataBool)
	return d != nil && d.scalar != 0
}

func (c *ProgramCache) GetInt(a CacheAddress) int32 {
	d := c.load(a, program.DataInt)
	if d == nil {
		return 0
	}
	return int32(uint32(d.scalar))
}

func (c *ProgramCache) GetScalar(a CacheAddress) float32 {
	d := c.load(a, program.DataScalar)
	if d == nil {
		return 0
	}
	return math.Float32frombits(uint32(d.scalar))
}

func getIndexed[T any](c *ProgramCache, a CacheAddress, t program.DataType, table []T) T {
	var zero T
	d := c.load(a, t)
	if d == nil || d.index < 0 {
		return zero
	}
	return table[d.index]
}

func (c *ProgramCache) GetColour(a CacheAddress) resource.Color {
	return getIndexed(c, a, program.DataColour, c.colours)
}

func (c *ProgramCache) GetMatrix(a CacheAddress) resource.Matrix {
	return getIndexed(c, a, program.DataMatrix, c.matrices)
}

func (c *ProgramCache) GetProjector(a CacheAddress) resource.Projector {
	return getIndexed(c, a, program.DataProjector, c.projectors)
}

func (c *ProgramCache) GetString(a CacheAddress) string {
	return getIndexed(c, a, program.DataString, c.strings)
}

func (c *ProgramCache) GetLayout(a CacheAddress) *resource.Layout {
	return getIndexed(c, a, program.DataLayout, c.layouts)
}

func (c *ProgramCache) GetExtensionData(a CacheAddress) *resource.ExtensionData {
	return getIndexed(c, a, program.DataExtensionData, c.extensions)
}

// consume decrements the hit count of a slot and releases its value
// when the last pending read happened and the slot is not pinned.
func (c *ProgramCache) consume(a CacheAddress, d *execData) bool {
	if d.hitCount == 0 {
		if c.checks {
			violation("read of %v with zero hit count", a)
		}
	} else if d.hitCount < hitCountLimit {
		d.hitCount--
	}
	if d.hitCount == 0 && !d.locked {
		c.setUnused(d)
		return true
	}
	return false
}

// GetInstance returns the instance at a and consumes one hit.
func (c *ProgramCache) GetInstance(a CacheAddress) *resource.Instance {
	d := c.load(a, program.DataInstance)
	if d == nil || d.index < 0 {
		return nil
	}
	v := c.instances[d.index]
	c.consume(a, d)
	return v
}

// GetImage returns the image at a and consumes one hit. isLast is true
// when this was the last pending read, in which case the cache no
// longer holds the image and the caller may take it over.
func (c *ProgramCache) GetImage(a CacheAddress) (img *resource.Image, isLast bool) {
	d := c.load(a, program.DataImage)
	if d == nil || d.index < 0 {
		return nil, false
	}
	img = c.images[d.index]
	return img, c.consume(a, d)
}

// GetMesh is GetImage for meshes.
func (c *ProgramCache) GetMesh(a CacheAddress) (mesh *resource.Mesh, isLast bool) {
	d := c.load(a, program.DataMesh)
	if d == nil || d.index < 0 {
		return nil, false
	}
	mesh = c.meshes[d.index]
	return mesh, c.consume(a, d)
}

// GetImageDesc returns the descriptor stored for a, falling back to the
// descriptor of a full image result.
func (c *ProgramCache) GetImageDesc(a CacheAddress) resource.ImageDesc {
	if desc, ok := c.descs[a.key()]; ok {
		return desc
	}
	d := c.slot(a, false)
	if d != nil && d.valueValid && d.dataType == program.DataImage && d.index >= 0 {
		return c.images[d.index].Desc()
	}
	return resource.ImageDesc{}
}

// PeekImage returns the image at a without consuming a hit.
func (c *ProgramCache) PeekImage(a CacheAddress) *resource.Image {
	d := c.load(a, program.DataImage)
	if d == nil || d.index < 0 || !d.valueValid {
		return nil
	}
	return c.images[d.index]
}

func (c *ProgramCache) peekMesh(a CacheAddress) *resource.Mesh {
	d := c.load(a, program.DataMesh)
	if d == nil || d.index < 0 || !d.valueValid {
		return nil
	}
	return c.meshes[d.index]
}

// Clear invalidates every result and resets hit counts, keeping the
// slot table and pins. Resources are not untracked; callers that keep
// memory accounting go through the working memory manager instead.
func (c *ProgramCache) Clear() {
	c.forEachSlot(func(_ slotKey, d *execData) bool {
		c.setUnused(d)
		d.hitCount = 0
		return true
	})
	clear(c.descs)
}

// ClearDescCache invalidates every descriptor-only result.
func (c *ProgramCache) ClearDescCache() {
	c.forEachSlot(func(_ slotKey, d *execData) bool {
		if !d.valueValid {
			d.descValid = false
		}
		return true
	})
	clear(c.descs)
}

// ResetHitCounts zeroes every hit count and optionally every pin.
func (c *ProgramCache) ResetHitCounts(unlock bool) {
	c.forEachSlot(func(_ slotKey, d *execData) bool {
		d.hitCount = 0
		if unlock {
			d.locked = false
		}
		return true
	})
}

// forEachSlot visits slots until fn returns false.
func (c *ProgramCache) forEachSlot(fn func(slotKey, *execData) bool) {
	for i := range c.slots {
		if !fn(slotKey{at: program.Address(i)}, &c.slots[i]) {
			return
		}
	}
	for k, d := range c.extra {
		if !fn(k, d) {
			return
		}
	}
}

// slotResource returns the image or mesh held by a slot, or nil.
func (c *ProgramCache) slotResource(d *execData) resource.Resource {
	if !d.valueValid || d.index < 0 {
		return nil
	}
	switch d.dataType {
	case program.DataImage:
		if img := c.images[d.index]; img != nil {
			return img
		}
	case program.DataMesh:
		if m := c.meshes[d.index]; m != nil {
			return m
		}
	}
	return nil
}

// forEachResource calls fn for every valid image or mesh result until
// fn returns false.
func (c *ProgramCache) forEachResource(fn func(k slotKey, d *execData, r resource.Resource) bool) {
	c.forEachSlot(func(k slotKey, d *execData) bool {
		if r := c.slotResource(d); r != nil {
			return fn(k, d, r)
		}
		return true
	})
}

// pendingResourceHits lists resource slots that still expect reads.
func (c *ProgramCache) pendingResourceHits() []string {
	var out []string
	c.forEachSlot(func(k slotKey, d *execData) bool {
		if d.hitCount > 0 && d.hitCount < hitCountLimit && d.dataType.IsResource() {
			out = append(out, fmt.Sprintf("%d-%d-%d:%d", k.at, k.index, k.options, d.hitCount))
		}
		return true
	})
	return out
}
