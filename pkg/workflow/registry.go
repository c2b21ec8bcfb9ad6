package workflow

import (
	"fmt"
	"maps"
	"slices"
)

// Registry is an immutable set of definitions keyed by name, assembled once
// at startup and shared by the engine and its callers
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry. Names must be unique
func NewRegistry(defs ...*Definition) (*Registry, error) {
	res := &Registry{
		defs: make(map[string]*Definition, len(defs)),
	}
	for _, d := range defs {
		if _, ok := res.defs[d.name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDefinition, d.name)
		}
		res.defs[d.name] = d
	}
	return res, nil
}

// Get returns the definition registered under name
func (r *Registry) Get(name string) (*Definition, bool) {
	if r == nil {
		return nil, false
	}
	d, ok := r.defs[name]
	return d, ok
}

// Lookup returns the named definition or ErrDefinitionNotFound
func (r *Registry) Lookup(name string) (*Definition, error) {
	if d, ok := r.Get(name); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.defs))
}

// Len returns the number of registered definitions
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}
