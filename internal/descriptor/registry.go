package descriptor

import (
	"fmt"
	"sync"
)

// Registry is the per-machine-type cached table store, grounded on the
// teacher's core.Registry interface — repurposed from snapshot versioning
// (the teacher used it to persist MachineSnapshot history) to caching the
// compiled, immutable Table per type, which is what spec.md's "State
// descriptor registry" component actually calls for: a one-time build step
// whose result is looked up by constant-time map access on every dispatch.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Register installs table under its TypeName. Re-registering the same
// type name with the same *Table is a no-op; a different table under an
// already-registered type name is an error. Monitor types are not
// registered here.
func (r *Registry) Register(table *Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tables[table.TypeName]; ok {
		if existing == table {
			return nil
		}
		return fmt.Errorf("descriptor: type %q already registered", table.TypeName)
	}
	r.tables[table.TypeName] = table
	return nil
}

// Get returns the compiled table for typeName.
func (r *Registry) Get(typeName string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[typeName]
	if !ok {
		return nil, fmt.Errorf("descriptor: type %q not registered", typeName)
	}
	return t, nil
}

// Has reports whether typeName has been registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tables[typeName]
	return ok
}
