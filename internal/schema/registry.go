package schema

import (
	"fmt"
	"sort"

	"github.com/pixil98/go-entsync/internal/view"
	"github.com/pixil98/go-errors"
)

// Registry is the startup-built table of every replicated class. It is
// immutable once constructed and safe to share.
type Registry struct {
	classes map[string]*Class
	byKind  map[view.ComponentKind]*Class
}

// NewRegistry indexes every class in the store and resolves sub-object class
// references. Component kinds must be unique across all classes.
func NewRegistry(store Storer[*Class]) (*Registry, error) {
	r := &Registry{
		classes: make(map[string]*Class),
		byKind:  make(map[view.ComponentKind]*Class),
	}

	all := store.GetAll()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	el := errors.NewErrorList()
	for _, name := range names {
		c := all[name]
		if err := c.build(name); err != nil {
			el.Add(err)
			continue
		}
		for _, k := range c.ComponentKinds() {
			if other, ok := r.byKind[k]; ok {
				el.Add(fmt.Errorf("component kind %d claimed by %s and %s", k, other.Name(), name))
				continue
			}
			r.byKind[k] = c
		}
		r.classes[name] = c
	}

	for _, name := range names {
		c := all[name]
		for i := range c.SubObjects {
			if err := c.SubObjects[i].Class.Resolve(store); err != nil {
				el.Add(fmt.Errorf("class %s subobject %s: %w", name, c.SubObjects[i].Name, err))
			}
		}
	}

	if err := el.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// Class returns a class by name.
func (r *Registry) Class(name string) (*Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// ClassForKind returns the class that declares a component kind.
func (r *Registry) ClassForKind(k view.ComponentKind) (*Class, bool) {
	c, ok := r.byKind[k]
	return c, ok
}
