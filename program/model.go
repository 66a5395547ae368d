package program

import (
	"sync"

	"github.com/chazu/mutable/resource"
)

// Model is a program plus the load state of its streamed roms. The
// program itself is immutable; rom values come and go as the working
// memory manager streams them in and evicts them.
type Model struct {
	Name    string
	Program *Program

	mu        sync.Mutex
	romValues []resource.Resource
}

// NewModel wraps a program.
func NewModel(name string, p *Program) *Model {
	return &Model{
		Name:      name,
		Program:   p,
		romValues: make([]resource.Resource, len(p.Roms)),
	}
}

// IsRomLoaded reports whether rom i is resident.
func (m *Model) IsRomLoaded(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return i >= 0 && i < len(m.romValues) && m.romValues[i] != nil
}

// RomValue returns the resident value of rom i, or nil.
func (m *Model) RomValue(i int) resource.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.romValues) {
		return nil
	}
	return m.romValues[i]
}

// SetRomValue makes rom i resident.
func (m *Model) SetRomValue(i int, v resource.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.romValues[i] = v
}

// UnloadRom drops rom i and returns the bytes it accounted for.
func (m *Model) UnloadRom(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.romValues[i] == nil {
		return 0
	}
	m.romValues[i] = nil
	return int(m.Program.Roms[i].Size)
}

// UnloadAllRoms drops every resident rom and returns the bytes freed.
func (m *Model) UnloadAllRoms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	freed := 0
	for i, v := range m.romValues {
		if v != nil {
			freed += int(m.Program.Roms[i].Size)
			m.romValues[i] = nil
		}
	}
	return freed
}

// LoadedRomBytes returns the size of every resident rom.
func (m *Model) LoadedRomBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for i, v := range m.romValues {
		if v != nil {
			total += int(m.Program.Roms[i].Size)
		}
	}
	return total
}

// ConstantImage returns constant image i, resolving its rom when it is
// streamed. It returns nil if the rom is not resident.
func (m *Model) ConstantImage(i int) *resource.Image {
	c := m.Program.ConstantImages[i]
	if c.Rom < 0 {
		return c.Data
	}
	img, _ := m.RomValue(c.Rom).(*resource.Image)
	return img
}

// ConstantMesh returns constant mesh i, resolving its rom when it is
// streamed. It returns nil if the rom is not resident.
func (m *Model) ConstantMesh(i int) *resource.Mesh {
	c := m.Program.ConstantMeshes[i]
	if c.Rom < 0 {
		return c.Data
	}
	mesh, _ := m.RomValue(c.Rom).(*resource.Mesh)
	return mesh
}
