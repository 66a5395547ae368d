package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

var (
	// ErrUnknownInstance means no live instance has the requested id.
	ErrUnknownInstance = errors.New("vm: unknown instance")
	// ErrInvalidState means the requested state is not in the program.
	ErrInvalidState = errors.New("vm: invalid state")
	// ErrInvalidParameters means the parameters belong to another program.
	ErrInvalidParameters = errors.New("vm: parameters do not match the program")
	// ErrWrongRootType means the requested root produces another type
	// of value.
	ErrWrongRootType = errors.New("vm: root has the wrong data type")
)

// Option configures a System.
type Option func(*System)

// WithStreamer sets the source of streamed roms.
func WithStreamer(s ModelStreamer) Option {
	return func(sys *System) { sys.streamer = s }
}

// WithResourceProvider sets the source of image and mesh parameters.
func WithResourceProvider(p ExternalResourceProvider) Option {
	return func(sys *System) { sys.provider = p }
}

// System is the entry point of the virtual machine. It owns the live
// instances and the working memory, and serializes every call: at most
// one run is in flight at any time.
type System struct {
	mu sync.Mutex

	settings Settings
	mem      *WorkingMemoryManager
	counters *MemoryCounters
	stats    *RunStats
	workers  *workerPool

	streamer ModelStreamer
	provider ExternalResourceProvider

	nextID  uint32
	lastErr error
}

// NewSystem returns a system with the given settings.
func NewSystem(settings Settings, opts ...Option) *System {
	counters := &MemoryCounters{}
	s := &System{
		settings: settings,
		counters: counters,
		mem:      NewWorkingMemoryManager(settings.BudgetBytes, counters, settings.Checks),
		stats:    &RunStats{},
		workers:  newWorkerPool(settings.Workers),
	}
	if settings.GeneratedCacheSize > 0 {
		s.mem.SetGeneratedCacheSize(settings.GeneratedCacheSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Memory returns the working memory manager.
func (s *System) Memory() *WorkingMemoryManager { return s.mem }

// RunStats returns the per operation statistics.
func (s *System) RunStats() *RunStats { return s.stats }

// Stats returns aggregate statistics with a memory snapshot.
func (s *System) Stats() StatsSummary {
	out := s.stats.Summary()
	out.Memory = s.counters.Snapshot()
	return out
}

// LastError returns the error of the last call, or nil if it
// succeeded. Results of a failed call are neutral placeholders.
func (s *System) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// NewInstance registers a live instance of model and returns its id.
func (s *System) NewInstance(model *program.Model) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	li := &LiveInstance{
		ID:    s.nextID,
		State: -1,
		Model: model,
		Cache: NewProgramCache(s.counters, s.settings.Checks),
	}
	s.mem.AddLiveInstance(li)
	s.mem.FindOrAddModelRoms(model)
	log.Debugf("new instance %d of %s", li.ID, model.Name)
	return li.ID
}

// ReleaseInstance forgets an instance and everything its cache holds.
func (s *System) ReleaseInstance(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mem.RemoveLiveInstance(id) {
		log.Warningf("release of unknown instance %d", id)
	}
}

// checkUpdatedParameters flags the runtime parameters that changed
// since the last update and reports whether a full build is needed.
func checkUpdatedParameters(li *LiveInstance, params *program.Parameters, state int) bool {
	p := li.Model.Program
	li.UpdatedParameters = make([]bool, params.Count())
	if li.OldParameters == nil || li.State != state {
		return true
	}
	full := false
	for i := range params.Count() {
		if params.HasSameValue(i, li.OldParameters, i) {
			continue
		}
		if p.IsRuntimeParameter(state, i) {
			li.UpdatedParameters[i] = true
		} else {
			full = true
		}
	}
	return full
}

// BeginUpdate builds the instance of state with params. Results stay
// cached for GetImage, GetMesh and GetImageDesc until EndUpdate. On
// failure an empty instance is returned and LastError reports why.
func (s *System) BeginUpdate(id uint32, params *program.Parameters, state int, lodMask uint32) *resource.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.updates.Add(1)
	s.lastErr = nil

	li := s.mem.FindLiveInstance(id)
	if li == nil {
		s.lastErr = fmt.Errorf("%w: %d", ErrUnknownInstance, id)
		return resource.NewInstance()
	}
	p := li.Model.Program
	if state < 0 || state >= len(p.States) {
		s.lastErr = fmt.Errorf("%w: %d of %d", ErrInvalidState, state, len(p.States))
		return resource.NewInstance()
	}
	if params == nil || params.Count() != len(p.Parameters) {
		s.lastErr = ErrInvalidParameters
		return resource.NewInstance()
	}
	root := p.States[state].Root
	if t := p.OpDataType(root); t != program.DataInstance {
		s.lastErr = fmt.Errorf("%w: state %d root is %s", ErrWrongRootType, state, t)
		return resource.NewInstance()
	}

	fullBuild := checkUpdatedParameters(li, params, state)

	s.mem.BeginRunnerThread()
	defer s.mem.EndRunnerThread()
	s.mem.SetCurrentCache(li.Cache)
	defer s.mem.SetCurrentCache(nil)

	s.mem.ClearCacheLayer0()
	if fullBuild {
		s.mem.ClearCacheLayer1()
	}
	c := li.Cache
	c.Init(p.OpCount())
	c.ResetHitCounts(fullBuild)
	for _, at := range p.States[state].UpdateCache {
		c.SetForceCached(CacheAddress{At: at})
	}

	li.State = state
	li.OldParameters = params.Clone()
	s.mem.FindOrAddModelRoms(li.Model)

	op := ScheduledOp{At: root}
	if err := s.run(li.Model, li.OldParameters, op, lodMask); err != nil {
		// The cache may hold part of this build; the next update
		// starts over.
		li.Instance = nil
		li.OldParameters = nil
		return resource.NewInstance()
	}
	inst := c.GetInstance(op.Address())
	if inst == nil {
		inst = resource.NewInstance()
	}
	li.Instance = inst
	return inst
}

// EndUpdate lets go of the results kept for the last update.
func (s *System) EndUpdate(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	li := s.mem.FindLiveInstance(id)
	if li == nil {
		log.Warningf("end of update of unknown instance %d", id)
		return
	}
	li.Instance = nil
	s.mem.CheckHitCountsCleared(li.Cache)

	s.mem.BeginRunnerThread()
	defer s.mem.EndRunnerThread()
	s.mem.SetCurrentCache(li.Cache)
	s.mem.ClearCacheLayer0()
	s.mem.SetCurrentCache(nil)
	s.mem.EndUpdate()
}

// resourceRoot resolves the root of a generated resource of li.
func (s *System) resourceRoot(id uint32, resID resource.ResourceID, want program.DataType) (*LiveInstance, program.Address, error) {
	li := s.mem.FindLiveInstance(id)
	if li == nil {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownInstance, id)
	}
	if li.OldParameters == nil {
		return nil, 0, fmt.Errorf("%w: instance %d has no successful update", ErrInvalidState, id)
	}
	root := program.Address(resID.Root())
	if t := li.Model.Program.OpDataType(root); t != want {
		return nil, 0, fmt.Errorf("%w: resource %s is %s, want %s", ErrWrongRootType, resID, t, want)
	}
	return li, root, nil
}

// GetImage builds the image resID of instance id, skipping mipsToSkip
// mip levels. The caller owns the result. On failure a placeholder is
// returned and LastError reports why.
func (s *System) GetImage(id uint32, resID resource.ResourceID, mipsToSkip int) *resource.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil

	li, root, err := s.resourceRoot(id, resID, program.DataImage)
	if err != nil {
		s.lastErr = err
		return resource.Placeholder()
	}

	s.mem.BeginRunnerThread()
	defer s.mem.EndRunnerThread()
	s.mem.SetCurrentCache(li.Cache)
	defer s.mem.SetCurrentCache(nil)
	li.Cache.Init(li.Model.Program.OpCount())

	op := ScheduledOp{At: root, ExecutionOptions: uint8(min(max(mipsToSkip, 0), 255))}
	if err := s.run(li.Model, li.OldParameters, op, AllLODs); err != nil {
		return resource.Placeholder()
	}
	img := s.mem.LoadImage(op.Address())
	if img == nil {
		return resource.Placeholder()
	}
	out := img.Clone()
	s.mem.KeepImage(op.Address(), img)
	return out
}

// GetImageAsync is GetImage on another goroutine. The channel yields
// exactly one image.
func (s *System) GetImageAsync(id uint32, resID resource.ResourceID, mipsToSkip int) <-chan *resource.Image {
	ch := make(chan *resource.Image, 1)
	go func() { ch <- s.GetImage(id, resID, mipsToSkip) }()
	return ch
}

// GetImageDesc computes the descriptor of image resID without building
// its pixels.
func (s *System) GetImageDesc(id uint32, resID resource.ResourceID) resource.ImageDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil

	li, root, err := s.resourceRoot(id, resID, program.DataImage)
	if err != nil {
		s.lastErr = err
		return resource.ImageDesc{}
	}

	s.mem.BeginRunnerThread()
	defer s.mem.EndRunnerThread()
	s.mem.SetCurrentCache(li.Cache)
	defer s.mem.SetCurrentCache(nil)
	li.Cache.Init(li.Model.Program.OpCount())
	li.Cache.ClearDescCache()

	op := ScheduledOp{At: root, Kind: KindDescriptorOnly}
	if err := s.run(li.Model, li.OldParameters, op, AllLODs); err != nil {
		return resource.ImageDesc{}
	}
	return li.Cache.GetImageDesc(op.Address())
}

// GetMesh builds the mesh resID of instance id. The caller owns the
// result. On failure an empty mesh is returned and LastError reports
// why.
func (s *System) GetMesh(id uint32, resID resource.ResourceID) *resource.Mesh {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil

	li, root, err := s.resourceRoot(id, resID, program.DataMesh)
	if err != nil {
		s.lastErr = err
		return &resource.Mesh{}
	}

	s.mem.BeginRunnerThread()
	defer s.mem.EndRunnerThread()
	s.mem.SetCurrentCache(li.Cache)
	defer s.mem.SetCurrentCache(nil)
	li.Cache.Init(li.Model.Program.OpCount())

	op := ScheduledOp{At: root}
	if err := s.run(li.Model, li.OldParameters, op, AllLODs); err != nil {
		return &resource.Mesh{}
	}
	mesh := s.mem.LoadMesh(op.Address())
	if mesh == nil {
		return &resource.Mesh{}
	}
	out := mesh.Clone()
	s.mem.KeepMesh(op.Address(), mesh)
	return out
}

// GetMeshAsync is GetMesh on another goroutine.
func (s *System) GetMeshAsync(id uint32, resID resource.ResourceID) <-chan *resource.Mesh {
	ch := make(chan *resource.Mesh, 1)
	go func() { ch <- s.GetMesh(id, resID) }()
	return ch
}

// GetParameterRelevancy reports, per parameter, whether it can affect
// the instance built from the first state with params. Conditions are
// evaluated on a scratch cache, leaving the instance cache untouched.
func (s *System) GetParameterRelevancy(id uint32, params *program.Parameters) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil

	li := s.mem.FindLiveInstance(id)
	if li == nil {
		s.lastErr = fmt.Errorf("%w: %d", ErrUnknownInstance, id)
		return nil
	}
	p := li.Model.Program
	relevant := make([]bool, len(p.Parameters))
	if len(p.States) == 0 || params == nil || params.Count() != len(p.Parameters) {
		s.lastErr = ErrInvalidParameters
		return relevant
	}

	s.mem.BeginRunnerThread()
	defer s.mem.EndRunnerThread()
	scratch := NewProgramCache(s.counters, s.settings.Checks)
	scratch.Init(p.OpCount())
	s.mem.SetCurrentCache(scratch)
	defer s.mem.SetCurrentCache(nil)

	eval := &cacheEvaluator{s: s, model: li.Model, params: params}
	v := NewDiscreteVisitor(p, eval, AllLODs)
	v.OnVisit = func(at program.Address, _ DiscreteState) {
		if p.OpType(at).IsParameter() {
			relevant[program.OpArgs[program.ParameterArgs](p, at).Parameter] = true
		}
	}
	v.Run(p.States[0].Root)
	scratch.Clear()
	return relevant
}

// cacheEvaluator resolves branch selectors by running them on the
// current cache.
type cacheEvaluator struct {
	s      *System
	model  *program.Model
	params *program.Parameters
}

func (e *cacheEvaluator) eval(at program.Address) bool {
	return e.s.run(e.model, e.params, ScheduledOp{At: at}, AllLODs) == nil
}

func (e *cacheEvaluator) EvalBool(at program.Address) bool {
	if !e.eval(at) {
		return false
	}
	return e.s.mem.CurrentCache().GetBool(CacheAddress{At: at})
}

func (e *cacheEvaluator) EvalInt(at program.Address) int32 {
	if !e.eval(at) {
		return 0
	}
	return e.s.mem.CurrentCache().GetInt(CacheAddress{At: at})
}

// SetWorkingMemoryBytes changes the memory budget and frees memory
// down to it right away.
func (s *System) SetWorkingMemoryBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.SetBudget(n)
	s.mem.EnsureBudgetBelow(0)
}

// ClearWorkingMemory drops every cached result, pooled buffer and
// streamed rom.
func (s *System) ClearWorkingMemory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.ClearWorkingMemory()
}

// SetGeneratedCacheSize bounds the table of generated resource ids.
func (s *System) SetGeneratedCacheSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.SetGeneratedCacheSize(n)
}

// run evaluates root on the current cache and waits for the run to end.
// The runner token must be held. A failed run drops the temporaries its
// aborted tasks held.
func (s *System) run(model *program.Model, params *program.Parameters, root ScheduledOp, lodMask uint32) error {
	r := newCodeRunner(s, model, params, root, lodMask)
	<-r.run()
	if err := r.Err(); err != nil {
		s.lastErr = err
		s.mem.dropTemporaries()
		return err
	}
	return nil
}
