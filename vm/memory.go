package vm

import (
	"reflect"
	"slices"
	"sync/atomic"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
	"github.com/dustin/go-humanize"
)

// LiveInstance is the state the system keeps for an instance between
// updates.
type LiveInstance struct {
	ID       uint32
	State    int
	Instance *resource.Instance
	Model    *program.Model

	// OldParameters is the snapshot used by the last update.
	OldParameters *program.Parameters

	// UpdatedParameters flags the runtime parameters that changed in
	// the last update.
	UpdatedParameters []bool

	Cache *ProgramCache
}

type cachedResource struct {
	refs int
	size int64
}

// Runner token states.
const (
	tokenFree int32 = iota
	tokenHeld
	tokenSuspended
)

// WorkingMemoryManager owns every heavy resource of a system: pooled
// buffers, temporaries held by running operations, resources stored in
// instance caches and streamed roms. All mutation happens while the
// runner token is held.
type WorkingMemoryManager struct {
	budget   int64
	excess   int64
	checks   bool
	counters *MemoryCounters
	pool     *imagePool

	// temp holds resources created or loaded by operations and not
	// stored in any cache, with the size they were accounted at.
	temp map[resource.Resource]int64

	// holders counts the operations currently holding a resource.
	holders map[resource.Resource]int

	// cached counts the cache slots, across all live instances, that
	// hold a resource.
	cached map[resource.Resource]*cachedResource

	models  []*modelRoms
	romTick uint32

	liveInstances []*LiveInstance
	current       *ProgramCache

	token atomic.Int32

	generated generatedResources
	relevant  relevantParameterCache
}

// NewWorkingMemoryManager returns a manager with the given budget in
// bytes. A zero budget means unlimited.
func NewWorkingMemoryManager(budget int64, counters *MemoryCounters, checks bool) *WorkingMemoryManager {
	if counters == nil {
		counters = &MemoryCounters{}
	}
	return &WorkingMemoryManager{
		budget:    budget,
		checks:    checks,
		counters:  counters,
		pool:      newImagePool(counters),
		temp:      make(map[resource.Resource]int64),
		holders:   make(map[resource.Resource]int),
		cached:    make(map[resource.Resource]*cachedResource),
		generated: newGeneratedResources(DefaultGeneratedCacheSize),
		relevant:  make(relevantParameterCache),
	}
}

// Budget returns the budget in bytes.
func (m *WorkingMemoryManager) Budget() int64 { return m.budget }

// SetBudget changes the budget. Nothing is evicted until the next
// allocation or update.
func (m *WorkingMemoryManager) SetBudget(bytes int64) {
	m.budget = bytes
	m.excess = 0
}

// Counters returns the accounting of this manager.
func (m *WorkingMemoryManager) Counters() *MemoryCounters { return m.counters }

// CurrentMemoryBytes returns the bytes counted against the budget.
func (m *WorkingMemoryManager) CurrentMemoryBytes() int64 {
	return m.counters.budgeted()
}

// IsMemoryBudgetFull reports whether usage is above 90% of the budget.
func (m *WorkingMemoryManager) IsMemoryBudgetFull() bool {
	if m.budget == 0 {
		return false
	}
	return m.CurrentMemoryBytes() > m.budget*9/10
}

// SetCurrentCache selects the cache that operations load from and
// store to.
func (m *WorkingMemoryManager) SetCurrentCache(c *ProgramCache) {
	m.current = c
}

// CurrentCache returns the cache selected by SetCurrentCache.
func (m *WorkingMemoryManager) CurrentCache() *ProgramCache {
	return m.current
}

// BeginRunnerThread takes the runner token. Only one run may hold it.
func (m *WorkingMemoryManager) BeginRunnerThread() {
	if !m.token.CompareAndSwap(tokenFree, tokenHeld) {
		violation("runner token already held")
	}
}

// CheckRunnerThread verifies that resource management happens while the
// token is held and the run is not suspended.
func (m *WorkingMemoryManager) CheckRunnerThread() {
	if m.checks && m.token.Load() != tokenHeld {
		violation("resource management without the runner token")
	}
}

// EndRunnerThread gives the token back.
func (m *WorkingMemoryManager) EndRunnerThread() {
	m.token.Store(tokenFree)
}

// InvalidateRunnerThread marks the run as suspended: the token stays
// taken but resource management is not allowed until ResetRunnerThread.
func (m *WorkingMemoryManager) InvalidateRunnerThread() {
	m.token.CompareAndSwap(tokenHeld, tokenSuspended)
}

// ResetRunnerThread resumes a suspended run.
func (m *WorkingMemoryManager) ResetRunnerThread() {
	m.token.CompareAndSwap(tokenSuspended, tokenHeld)
}

func isNil(r resource.Resource) bool {
	if r == nil {
		return true
	}
	v := reflect.ValueOf(r)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func (m *WorkingMemoryManager) trackTemp(r resource.Resource) {
	if _, ok := m.temp[r]; ok {
		return
	}
	size := int64(r.DataSize())
	m.temp[r] = size
	m.counters.temporary.Add(size)
}

func (m *WorkingMemoryManager) untrackTemp(r resource.Resource) bool {
	size, ok := m.temp[r]
	if !ok {
		return false
	}
	delete(m.temp, r)
	m.counters.temporary.Add(-size)
	return true
}

// hold records one more operation holding r. Resources that are not
// cached anywhere become temporaries.
func (m *WorkingMemoryManager) hold(r resource.Resource) {
	m.holders[r]++
	if _, ok := m.cached[r]; !ok {
		m.trackTemp(r)
	}
}

// unhold drops one holder without recycling.
func (m *WorkingMemoryManager) unhold(r resource.Resource) {
	n := m.holders[r] - 1
	if n > 0 {
		m.holders[r] = n
		return
	}
	delete(m.holders, r)
}

// cacheRef records one more cache slot holding r.
func (m *WorkingMemoryManager) cacheRef(r resource.Resource) {
	if e := m.cached[r]; e != nil {
		e.refs++
		return
	}
	m.untrackTemp(r)
	size := int64(r.DataSize())
	m.cached[r] = &cachedResource{refs: 1, size: size}
	m.counters.cached.Add(size)
}

// uncache drops one cache slot reference to r. When no slot is left the
// resource either becomes a temporary of its holders or is dropped.
func (m *WorkingMemoryManager) uncache(r resource.Resource) {
	e := m.cached[r]
	if e == nil {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(m.cached, r)
	m.counters.cached.Add(-e.size)
	if m.holders[r] > 0 {
		m.trackTemp(r)
		return
	}
	m.counters.evictions.Add(1)
}

// CreateImage returns an image with the given shape owned by the
// caller, reusing a pooled buffer when one matches exactly. Reused
// buffers are zeroed only when initialize is set.
func (m *WorkingMemoryManager) CreateImage(sizeX, sizeY uint16, lods uint8, format resource.Format, initialize bool) *resource.Image {
	m.CheckRunnerThread()
	if lods == 0 {
		lods = 1
	}
	desc := resource.ImageDesc{SizeX: sizeX, SizeY: sizeY, LODs: lods, Format: format}
	if img := m.pool.get(desc); img != nil {
		m.counters.poolHits.Add(1)
		if initialize {
			img.Clear()
		}
		img.ReferenceID = 0
		m.hold(img)
		return img
	}
	m.EnsureBudgetBelow(int64(desc.DataSize()))
	img := resource.NewImage(sizeX, sizeY, lods, format)
	m.counters.allocations.Add(1)
	m.hold(img)
	return img
}

// CreateMesh returns an empty mesh with room for the given number of
// position components and indices, owned by the caller.
func (m *WorkingMemoryManager) CreateMesh(positions, indices int) *resource.Mesh {
	m.CheckRunnerThread()
	mesh := &resource.Mesh{
		Positions: make([]float32, positions),
		Indices:   make([]uint32, indices),
	}
	m.EnsureBudgetBelow(int64(mesh.DataSize()))
	m.counters.allocations.Add(1)
	m.hold(mesh)
	return mesh
}

// Adopt takes ownership of a resource produced outside the manager,
// such as a streamed rom copy or an externally loaded image.
func (m *WorkingMemoryManager) Adopt(r resource.Resource) {
	if isNil(r) {
		return
	}
	m.hold(r)
}

// CloneOrTakeOverImage returns a mutable version of img. If the caller
// is its only holder and no cache slot refers to it, the image itself is
// returned; otherwise a copy is made and img is released.
func (m *WorkingMemoryManager) CloneOrTakeOverImage(img *resource.Image) *resource.Image {
	m.CheckRunnerThread()
	if img == nil {
		return nil
	}
	if _, temp := m.temp[img]; temp && m.holders[img] == 1 {
		m.counters.takeovers.Add(1)
		return img
	}
	c := m.CreateImage(img.SizeX, img.SizeY, img.LODs, img.Format, false)
	copy(c.Data, img.Data)
	c.ReferenceID = img.ReferenceID
	m.counters.clones.Add(1)
	m.Release(img)
	return c
}

// CloneOrTakeOverMesh is CloneOrTakeOverImage for meshes.
func (m *WorkingMemoryManager) CloneOrTakeOverMesh(mesh *resource.Mesh) *resource.Mesh {
	m.CheckRunnerThread()
	if mesh == nil {
		return nil
	}
	if _, temp := m.temp[mesh]; temp && m.holders[mesh] == 1 {
		m.counters.takeovers.Add(1)
		return mesh
	}
	c := mesh.Clone()
	m.EnsureBudgetBelow(int64(c.DataSize()))
	m.counters.clones.Add(1)
	m.hold(c)
	m.Release(mesh)
	return c
}

// Release gives back a resource the caller held. The last holder of an
// image that no cache refers to returns it to the pool.
func (m *WorkingMemoryManager) Release(r resource.Resource) {
	if isNil(r) {
		return
	}
	m.CheckRunnerThread()
	if _, held := m.holders[r]; !held {
		return
	}
	m.unhold(r)
	if m.holders[r] > 0 {
		return
	}
	if _, cached := m.cached[r]; cached {
		return
	}
	if !m.untrackTemp(r) {
		return
	}
	if img, ok := r.(*resource.Image); ok {
		m.pool.put(img)
	}
	m.EnsureBudgetBelow(0)
}

// KeepImage gives back an image loaded for a caller outside the run.
// If that read was the last one, the image goes back into its slot with
// no pending reads, so later requests in the same update find it until
// the cache layer is cleared.
func (m *WorkingMemoryManager) KeepImage(a CacheAddress, img *resource.Image) {
	if img == nil {
		return
	}
	if m.current.IsValid(a) {
		m.Release(img)
		return
	}
	m.StoreImage(a, img)
}

// KeepMesh is KeepImage for meshes.
func (m *WorkingMemoryManager) KeepMesh(a CacheAddress, mesh *resource.Mesh) {
	if mesh == nil {
		return
	}
	if m.current.IsValid(a) {
		m.Release(mesh)
		return
	}
	m.StoreMesh(a, mesh)
}

// LoadImage reads an image from the current cache on behalf of an
// operation, which becomes one of its holders. On the last pending read
// the cache gives up the image.
func (m *WorkingMemoryManager) LoadImage(a CacheAddress) *resource.Image {
	m.CheckRunnerThread()
	img, last := m.current.GetImage(a)
	if img == nil {
		return nil
	}
	m.hold(img)
	if last {
		m.uncache(img)
	}
	return img
}

// LoadMesh is LoadImage for meshes.
func (m *WorkingMemoryManager) LoadMesh(a CacheAddress) *resource.Mesh {
	m.CheckRunnerThread()
	mesh, last := m.current.GetMesh(a)
	if mesh == nil {
		return nil
	}
	m.hold(mesh)
	if last {
		m.uncache(mesh)
	}
	return mesh
}

// StoreImage stores img in the current cache. The caller gives up its
// hold on img.
func (m *WorkingMemoryManager) StoreImage(a CacheAddress, img *resource.Image) {
	m.CheckRunnerThread()
	if prev := m.current.PeekImage(a); prev != nil && prev != img {
		m.uncache(prev)
	}
	if img != nil {
		m.cacheRef(img)
		m.unhold(img)
	}
	m.current.SetImage(a, img)
}

// StoreMesh is StoreImage for meshes.
func (m *WorkingMemoryManager) StoreMesh(a CacheAddress, mesh *resource.Mesh) {
	m.CheckRunnerThread()
	if prev := m.current.peekMesh(a); prev != nil && prev != mesh {
		m.uncache(prev)
	}
	if mesh != nil {
		m.cacheRef(mesh)
		m.unhold(mesh)
	}
	m.current.SetMesh(a, mesh)
}

func (m *WorkingMemoryManager) overBy(additional int64) int64 {
	return m.counters.budgeted() + additional - m.budget
}

// EnsureBudgetBelow frees memory until the current usage plus additional
// bytes fits the budget. Tiers are tried from cheapest to most invasive:
// pooled buffers, streamed roms, caches of other live instances, and
// unused results of the current cache. It returns false if the budget
// still cannot be met; callers go on regardless.
func (m *WorkingMemoryManager) EnsureBudgetBelow(additional int64) bool {
	if m.budget == 0 {
		return true
	}
	if m.overBy(additional) <= 0 {
		return true
	}

	m.pool.drain(m.overBy(additional))

	if m.overBy(additional) > 0 {
		m.evictRoms(additional)
	}
	if m.overBy(additional) > 0 {
		m.evictOtherInstances(additional)
	}
	if m.overBy(additional) > 0 && m.current != nil {
		m.evictCurrent(additional)
	}

	excess := m.overBy(additional)
	if excess <= 0 {
		return true
	}
	if excess > m.excess {
		m.excess = excess
		log.Infof("failed to keep memory budget: budget %s, current %s, requested %s",
			humanize.IBytes(uint64(m.budget)),
			humanize.IBytes(uint64(m.counters.budgeted())),
			humanize.IBytes(uint64(additional)))
	}
	return false
}

// dropSlot invalidates a slot, untracking its resource.
func (m *WorkingMemoryManager) dropSlot(c *ProgramCache, d *execData) {
	if r := c.slotResource(d); r != nil {
		m.uncache(r)
	}
	c.setUnused(d)
}

func (m *WorkingMemoryManager) evictOtherInstances(additional int64) {
	for _, li := range m.liveInstances {
		if li.Cache == nil || li.Cache == m.current {
			continue
		}
		li.Cache.forEachResource(func(_ slotKey, d *execData, _ resource.Resource) bool {
			m.dropSlot(li.Cache, d)
			return m.overBy(additional) > 0
		})
		if m.overBy(additional) <= 0 {
			return
		}
	}
}

// evictCurrent frees results of the current cache that no pending read
// needs. A resource aliased by several slots is kept if any of them
// still has a hit count.
func (m *WorkingMemoryManager) evictCurrent(additional int64) {
	type group struct {
		keep  bool
		slots []*execData
	}
	c := m.current
	groups := make(map[resource.Resource]*group)
	var order []resource.Resource
	c.forEachResource(func(_ slotKey, d *execData, r resource.Resource) bool {
		g := groups[r]
		if g == nil {
			g = &group{}
			groups[r] = g
			order = append(order, r)
		}
		g.slots = append(g.slots, d)
		if d.hitCount > 0 {
			g.keep = true
		}
		return true
	})
	for _, r := range order {
		g := groups[r]
		if g.keep {
			continue
		}
		for _, d := range g.slots {
			m.dropSlot(c, d)
		}
		if m.overBy(additional) <= 0 {
			return
		}
	}
}

// ClearCacheLayer0 drops every result of the current cache that is not
// pinned for the active state.
func (m *WorkingMemoryManager) ClearCacheLayer0() {
	c := m.current
	if c == nil {
		return
	}
	c.forEachSlot(func(_ slotKey, d *execData) bool {
		if !d.locked {
			m.dropSlot(c, d)
		}
		d.hitCount = 0
		return true
	})
	c.ClearDescCache()
}

// ClearCacheLayer1 drops every result of the current cache and unpins
// all slots.
func (m *WorkingMemoryManager) ClearCacheLayer1() {
	c := m.current
	if c == nil {
		return
	}
	c.forEachSlot(func(_ slotKey, d *execData) bool {
		m.dropSlot(c, d)
		d.hitCount = 0
		d.locked = false
		return true
	})
	c.ClearDescCache()
}

// CheckHitCountsCleared logs resource slots of c that still expect
// reads. It returns the number of such slots.
func (m *WorkingMemoryManager) CheckHitCountsCleared(c *ProgramCache) int {
	pending := c.pendingResourceHits()
	if len(pending) > 0 {
		log.Warningf("cache has %d resource results with pending hits: %v", len(pending), pending)
	}
	return len(pending)
}

// AddLiveInstance registers an instance.
func (m *WorkingMemoryManager) AddLiveInstance(li *LiveInstance) {
	m.liveInstances = append(m.liveInstances, li)
}

// FindLiveInstance returns the instance with the given id, or nil.
func (m *WorkingMemoryManager) FindLiveInstance(id uint32) *LiveInstance {
	for _, li := range m.liveInstances {
		if li.ID == id {
			return li
		}
	}
	return nil
}

// LiveInstances returns the registered instances.
func (m *WorkingMemoryManager) LiveInstances() []*LiveInstance {
	return m.liveInstances
}

// RemoveLiveInstance untracks every resource cached by the instance and
// forgets it. It reports whether the instance existed.
func (m *WorkingMemoryManager) RemoveLiveInstance(id uint32) bool {
	i := slices.IndexFunc(m.liveInstances, func(li *LiveInstance) bool { return li.ID == id })
	if i < 0 {
		return false
	}
	li := m.liveInstances[i]
	if li.Cache != nil {
		li.Cache.forEachResource(func(_ slotKey, d *execData, _ resource.Resource) bool {
			m.dropSlot(li.Cache, d)
			return true
		})
		if m.current == li.Cache {
			m.current = nil
		}
	}
	m.liveInstances = slices.Delete(m.liveInstances, i, i+1)
	return true
}

// ClearWorkingMemory drops every pooled buffer, cached resource and
// loaded rom.
func (m *WorkingMemoryManager) ClearWorkingMemory() {
	for _, li := range m.liveInstances {
		if li.Cache == nil {
			continue
		}
		li.Cache.forEachResource(func(_ slotKey, d *execData, _ resource.Resource) bool {
			m.dropSlot(li.Cache, d)
			return true
		})
	}
	m.pool.clear()
	m.unloadAllRoms()
	if len(m.temp) > 0 {
		log.Warningf("clearing working memory with %d temporary resources held", len(m.temp))
	}
}

// EndUpdate runs the budget pass that follows an update and empties the
// pool when the budget is unlimited, so buffers do not pile up.
func (m *WorkingMemoryManager) EndUpdate() {
	m.EnsureBudgetBelow(0)
	if m.budget == 0 {
		m.pool.clear()
	}
}

// IsCached reports whether any cache slot refers to r.
func (m *WorkingMemoryManager) IsCached(r resource.Resource) bool {
	_, ok := m.cached[r]
	return ok
}

// dropTemporaries forgets every resource held by operations. It is used
// after an aborted run, whose holders will never release.
func (m *WorkingMemoryManager) dropTemporaries() {
	for r := range m.temp {
		m.untrackTemp(r)
	}
	clear(m.holders)
}
