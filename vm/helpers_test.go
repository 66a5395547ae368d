package vm

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// memStreamer serves rom payloads from memory, completing every read
// on another goroutine after delay.
type memStreamer struct {
	mu       sync.Mutex
	payloads map[uint32][]byte
	failing  map[uint32]bool
	delay    time.Duration
	reads    map[uint64][]byte
	next     uint64
	begun    int
	ended    int
}

func newMemStreamer(payloads map[uint32][]byte) *memStreamer {
	return &memStreamer{
		payloads: payloads,
		failing:  make(map[uint32]bool),
		reads:    make(map[uint64][]byte),
		delay:    time.Millisecond,
	}
}

func (s *memStreamer) BeginReadBlock(model *program.Model, romID uint32, size int, done func(ok bool)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.payloads[romID]
	if !ok {
		return 0, fmt.Errorf("rom %d of %s not stored", romID, model.Name)
	}
	s.next++
	id := s.next
	s.reads[id] = data
	s.begun++
	fail := s.failing[romID]
	delay := s.delay
	go func() {
		time.Sleep(delay)
		done(!fail)
	}()
	return id, nil
}

func (s *memStreamer) EndRead(id uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.reads[id]
	delete(s.reads, id)
	s.ended++
	return data, ok
}

func (s *memStreamer) counts() (begun, ended int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun, s.ended
}

// memProvider serves external images and meshes from memory.
type memProvider struct {
	mu       sync.Mutex
	images   map[uint32]*resource.Image
	meshes   map[uint32]*resource.Mesh
	requests int
	cleanups int
}

func newMemProvider() *memProvider {
	return &memProvider{
		images: make(map[uint32]*resource.Image),
		meshes: make(map[uint32]*resource.Mesh),
	}
}

func (p *memProvider) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups++
}

func (p *memProvider) GetImageAsync(id uint32, mipsToSkip int) (<-chan *resource.Image, func()) {
	p.mu.Lock()
	p.requests++
	img := p.images[id]
	p.mu.Unlock()
	ch := make(chan *resource.Image, 1)
	go func() {
		if img != nil {
			img = img.SkipMips(mipsToSkip)
		}
		ch <- img
	}()
	return ch, p.cleanup
}

func (p *memProvider) GetMeshAsync(id uint32) (<-chan *resource.Mesh, func()) {
	p.mu.Lock()
	p.requests++
	mesh := p.meshes[id]
	p.mu.Unlock()
	ch := make(chan *resource.Mesh, 1)
	ch <- mesh.Clone()
	return ch, p.cleanup
}

func (p *memProvider) GetImageDesc(id uint32) resource.ImageDesc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.images[id].Desc()
}

func (p *memProvider) stats() (requests, cleanups int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests, p.cleanups
}

func newTestSystem(inline bool, opts ...Option) *System {
	s := DefaultSettings()
	s.ForceInline = inline
	s.Checks = true
	return NewSystem(s, opts...)
}

// bothModes runs fn with inline execution and with worker execution.
func bothModes(t *testing.T, fn func(t *testing.T, inline bool)) {
	t.Run("inline", func(t *testing.T) { fn(t, true) })
	t.Run("workers", func(t *testing.T) { fn(t, false) })
}

func build(t *testing.T, name string, b *program.Builder) *program.Model {
	t.Helper()
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return program.NewModel(name, p)
}

// update runs BeginUpdate and fails the test on error.
func update(t *testing.T, s *System, id uint32, params *program.Parameters, lodMask uint32) *resource.Instance {
	t.Helper()
	inst := s.BeginUpdate(id, params, 0, lodMask)
	if err := s.LastError(); err != nil {
		t.Fatalf("BeginUpdate: %v", err)
	}
	return inst
}

// firstImage builds the first image of LOD 0 of inst.
func firstImage(t *testing.T, s *System, id uint32, inst *resource.Instance) *resource.Image {
	t.Helper()
	if inst.LODCount() == 0 || len(inst.LODs[0].Images) == 0 {
		t.Fatalf("instance has no image: %+v", inst)
	}
	img := s.GetImage(id, inst.LODs[0].Images[0].ID, 0)
	if err := s.LastError(); err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	return img
}

// pendingHits counts slots of the given types that still expect reads.
func pendingHits(c *ProgramCache, types ...program.DataType) int {
	n := 0
	c.forEachSlot(func(_ slotKey, d *execData) bool {
		for _, t := range types {
			if d.dataType == t && d.hitCount > 0 && d.hitCount < hitCountLimit {
				n++
			}
		}
		return true
	})
	return n
}

var (
	red   = resource.Color{1, 0, 0, 1}
	green = resource.Color{0, 1, 0, 1}
	blue  = resource.Color{0, 0, 1, 1}
	white = resource.Color{1, 1, 1, 1}
	black = resource.Color{0, 0, 0, 1}
)
