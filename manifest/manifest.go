// Package manifest handles mutable.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/mutable/vm"
)

// FileName is the name of the configuration file.
const FileName = "mutable.toml"

// Manifest represents a mutable.toml configuration.
type Manifest struct {
	Memory Memory           `toml:"memory"`
	Runner Runner           `toml:"runner"`
	Stream Stream           `toml:"stream"`
	Server Server           `toml:"server"`
	Log    Log              `toml:"log"`
	Models map[string]Model `toml:"models"`

	// Dir is the directory containing the mutable.toml file (set at load time).
	Dir string `toml:"-"`
}

// Memory configures the working memory.
type Memory struct {
	BudgetBytes        int64 `toml:"budget-bytes"`
	GeneratedCacheSize int   `toml:"generated-cache-size"`
}

// Runner configures the scheduler.
type Runner struct {
	ForceInline bool   `toml:"force-inline"`
	Timeslice   string `toml:"timeslice"`
	Workers     int    `toml:"workers"`
	Checks      bool   `toml:"checks"`
}

// Stream configures the rom store.
type Stream struct {
	Database string `toml:"database"`
	MaxReads int    `toml:"max-reads"`
}

// Server configures the RPC server.
type Server struct {
	Listen string `toml:"listen"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Model names a compiled model file.
type Model struct {
	Path string `toml:"path"`
}

// Default returns the configuration used without a mutable.toml.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Memory.GeneratedCacheSize == 0 {
		m.Memory.GeneratedCacheSize = vm.DefaultGeneratedCacheSize
	}
	if m.Runner.Timeslice == "" {
		m.Runner.Timeslice = vm.DefaultTimeslice.String()
	}
	if m.Stream.Database == "" {
		m.Stream.Database = "roms.db"
	}
	if m.Server.Listen == "" {
		m.Server.Listen = ":7070"
	}
}

// Load parses a mutable.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a mutable.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) validate() error {
	if m.Memory.BudgetBytes < 0 {
		return fmt.Errorf("memory.budget-bytes must not be negative, got %d", m.Memory.BudgetBytes)
	}
	if m.Memory.GeneratedCacheSize < 0 {
		return fmt.Errorf("memory.generated-cache-size must not be negative, got %d", m.Memory.GeneratedCacheSize)
	}
	if _, err := m.timeslice(); err != nil {
		return err
	}
	for name, model := range m.Models {
		if model.Path == "" {
			return fmt.Errorf("model %s has no path", name)
		}
	}
	return nil
}

func (m *Manifest) timeslice() (time.Duration, error) {
	d, err := time.ParseDuration(m.Runner.Timeslice)
	if err != nil {
		return 0, fmt.Errorf("runner.timeslice: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("runner.timeslice must be positive, got %s", d)
	}
	return d, nil
}

// Settings converts the memory and runner sections to system settings.
func (m *Manifest) Settings() vm.Settings {
	s := vm.DefaultSettings()
	s.BudgetBytes = m.Memory.BudgetBytes
	s.GeneratedCacheSize = m.Memory.GeneratedCacheSize
	s.ForceInline = m.Runner.ForceInline
	s.Workers = m.Runner.Workers
	s.Checks = m.Runner.Checks
	if d, err := m.timeslice(); err == nil {
		s.Timeslice = d
	}
	return s
}

// ConfigureLogging applies the log section through commonlog.
func (m *Manifest) ConfigureLogging() {
	var path *string
	if m.Log.Path != "" {
		p := m.path(m.Log.Path)
		path = &p
	}
	commonlog.Configure(m.Log.Verbosity, path)
}

// DatabasePath returns the absolute path of the rom store.
func (m *Manifest) DatabasePath() string {
	return m.path(m.Stream.Database)
}

// ModelPath returns the absolute path of the named model file.
func (m *Manifest) ModelPath(name string) (string, bool) {
	model, ok := m.Models[name]
	if !ok {
		return "", false
	}
	return m.path(model.Path), true
}

// ModelNames returns the configured model names in sorted order.
func (m *Manifest) ModelNames() []string {
	names := make([]string, 0, len(m.Models))
	for name := range m.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// path resolves p against the manifest directory.
func (m *Manifest) path(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
