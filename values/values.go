// Package values maps value names to the stable integer indices used by the
// allocation planner and the executor.
//
// Every graph input, initializer, intermediate tensor and graph output is a
// distinct value with an index in [0, Len). The Registry is built once while
// the session is being prepared and is read-only during planning and
// execution.
package values

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ValueIndex identifies a value in the graph.
type ValueIndex int

// Registry is a bidirectional mapping between value names and indices.
type Registry struct {
	nameToIdx map[string]ValueIndex
	idxToName []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nameToIdx: make(map[string]ValueIndex)}
}

// Add registers the name and returns its index. Adding a name twice returns
// the same index.
func (r *Registry) Add(name string) ValueIndex {
	if idx, found := r.nameToIdx[name]; found {
		return idx
	}
	idx := ValueIndex(len(r.idxToName))
	r.nameToIdx[name] = idx
	r.idxToName = append(r.idxToName, name)
	return idx
}

// Index returns the index of the given value name.
func (r *Registry) Index(name string) (ValueIndex, error) {
	idx, found := r.nameToIdx[name]
	if !found {
		return 0, errors.Errorf("value name %q is not registered", name)
	}
	return idx, nil
}

// MustIndex returns the index of the given value name, panicking if the name
// is unknown. An unknown name at planning or execution time is an invariant
// violation, not a recoverable condition.
func (r *Registry) MustIndex(name string) ValueIndex {
	idx, found := r.nameToIdx[name]
	if !found {
		exceptions.Panicf("values.Registry: value name %q is not registered", name)
	}
	return idx
}

// Name returns the value name at the given index, panicking if the index is
// out of range.
func (r *Registry) Name(idx ValueIndex) string {
	if idx < 0 || int(idx) >= len(r.idxToName) {
		exceptions.Panicf("values.Registry: index %d out of range [0, %d)", idx, len(r.idxToName))
	}
	return r.idxToName[idx]
}

// Len returns the number of registered values.
func (r *Registry) Len() int { return len(r.idxToName) }

// MaxIdx returns the largest index in use, or -1 if the registry is empty.
func (r *Registry) MaxIdx() ValueIndex { return ValueIndex(len(r.idxToName) - 1) }

// Names returns all registered names, indexed by ValueIndex.
func (r *Registry) Names() []string { return r.idxToName }
