package modules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/A-MAD21/CMapper/pkg/types"
)

// Registry holds the available discovery modules, keyed by module ID.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Builtin returns a registry with all built-in modules registered.
func Builtin() *Registry {
	r := NewRegistry()
	for _, m := range []Module{
		NewAddDevice(),
		NewCDPDiscovery(),
		NewMikroTikScan(),
		NewNmapSweep(),
		NewEnforceOUI(),
	} {
		// Built-in IDs are unique by construction.
		_ = r.Register(m)
	}
	return r
}

// Register adds a module. A duplicate ID is an error.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.Descriptor().ID
	if id == "" {
		return fmt.Errorf("module has empty ID")
	}
	if _, exists := r.modules[id]; exists {
		return fmt.Errorf("module %q already registered", id)
	}
	r.modules[id] = m
	return nil
}

// Get returns the module with the given ID.
func (r *Registry) Get(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("unknown module %q", id)
	}
	return m, nil
}

// List returns all module descriptors sorted by ID.
func (r *Registry) List() []types.ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ModuleDescriptor, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
