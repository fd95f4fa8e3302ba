package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"

	"github.com/pixil98/go-errors"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]*$`)

type ValidatingSpec interface {
	Validate() error
}

// Document is the on-disk envelope for a schema record.
type Document[T ValidatingSpec] struct {
	Version    uint   `json:"version"`
	Identifier string `json:"id"`
	Spec       T      `json:"spec"`
}

func (d *Document[T]) Id() string {
	return d.Identifier
}

func (d *Document[T]) Validate() error {
	el := errors.NewErrorList()

	if d.Version == 0 {
		el.Add(fmt.Errorf("version must be set"))
	}

	if d.Identifier == "" {
		el.Add(fmt.Errorf("id must be set"))
	}

	if !identifierPattern.MatchString(d.Identifier) {
		el.Add(fmt.Errorf("id must be alphanumeric"))
	}

	if reflect.ValueOf(d.Spec).IsNil() {
		el.Add(fmt.Errorf("spec must be set"))
	} else {
		el.Add(d.Spec.Validate())
	}

	return el.Err()
}

// Ref is a by-name reference to another schema record, resolved against a
// store after every document is loaded.
type Ref[T ValidatingSpec] struct {
	key string
	val T
}

func NewRef[T ValidatingSpec](key string) Ref[T] {
	return Ref[T]{key: key}
}

func NewResolvedRef[T ValidatingSpec](key string, val T) Ref[T] {
	return Ref[T]{key: key, val: val}
}

func (r *Ref[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &r.key)
}

func (r Ref[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.key)
}

func (r Ref[T]) Validate() error {
	if r.key == "" {
		var zero T
		return fmt.Errorf("%s reference is required", reflect.TypeOf(zero).Elem().Name())
	}
	return nil
}

func (r *Ref[T]) Resolve(st Storer[T]) error {
	r.val = st.Get(r.key)
	if reflect.ValueOf(r.val).IsNil() {
		var zero T
		return fmt.Errorf("%s %q not found", reflect.TypeOf(zero).Elem().Name(), r.key)
	}
	return nil
}

// Key is the referenced record id.
func (r Ref[T]) Key() string {
	return r.key
}

// Get returns the resolved record, or the zero value before Resolve.
func (r Ref[T]) Get() T {
	return r.val
}
