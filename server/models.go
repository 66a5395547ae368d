package server

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/chazu/mutable/program"
)

// ModelRegistry holds the models clients can instantiate, by name.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]*program.Model
}

// NewModelRegistry creates an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]*program.Model)}
}

// Register adds or replaces a model under its own name.
func (r *ModelRegistry) Register(m *program.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
}

// LoadFile reads a CBOR model file and registers it under name,
// returning the rom payloads the file carried.
func (r *ModelRegistry) LoadFile(name, path string) (*program.Model, map[uint32][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading model %s: %w", name, err)
	}
	m, payloads, err := program.UnmarshalModel(data)
	if err != nil {
		return nil, nil, fmt.Errorf("loading model %s: %w", name, err)
	}
	m.Name = name
	r.Register(m)
	return m, payloads, nil
}

// Get returns the named model.
func (r *ModelRegistry) Get(name string) (*program.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Infos describes every registered model, sorted by name.
func (r *ModelRegistry) Infos() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModelInfo, 0, len(r.models))
	for name, m := range r.models {
		info := ModelInfo{Name: name, Roms: len(m.Program.Roms)}
		for _, s := range m.Program.States {
			info.States = append(info.States, s.Name)
		}
		for _, p := range m.Program.Parameters {
			info.Parameters = append(info.Parameters, p.Name)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// applyParams returns the default parameters of model with params set.
func applyParams(model *program.Model, params []ParamAssignment) (*program.Parameters, error) {
	ps := program.NewParameters(model.Program)
	for _, a := range params {
		i := ps.Find(a.Name)
		if i < 0 {
			return nil, fmt.Errorf("model %s has no parameter %q", model.Name, a.Name)
		}
		ps.SetValue(i, a.Value, a.Position...)
	}
	return ps, nil
}
