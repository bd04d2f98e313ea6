// Package query holds the named metric query definitions and the registry
// that resolves them. The registry is built once at startup with every
// definition validated; resolution after that is a pure lookup.
package query

import (
	"errors"
	"fmt"
	"sort"
)

// NotFoundError reports a query name with no registered definition. This is
// a configuration error: callers must surface it immediately and never
// retry it.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no query definition registered for %q", e.Name)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Registry maps query names to validated definitions.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from the given definitions. Every definition
// is validated up front and duplicate names are rejected, so a bad template
// fails the process at startup rather than on first use.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[d.Name]; dup {
			return nil, fmt.Errorf("duplicate query definition %q", d.Name)
		}
		m[d.Name] = d
	}
	return &Registry{defs: m}, nil
}

// Resolve returns the definition registered under name, or a *NotFoundError.
func (r *Registry) Resolve(name string) (*Definition, error) {
	if r == nil || r.defs == nil {
		return nil, errors.New("registry is not initialized (use NewRegistry)")
	}
	d, ok := r.defs[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return d, nil
}

// Names returns the registered query names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}
