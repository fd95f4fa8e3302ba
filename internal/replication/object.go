package replication

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

// Handle is the process-local identifier of a simulated object. Handles are
// never reused; a destroyed object's handle stays behind as a tombstone.
type Handle uint64

const NoHandle Handle = 0

// ObjectKind is the closed set of object variants.
type ObjectKind int

const (
	KindRoot ObjectKind = iota
	KindSubobject
	// KindStable is a pre-spawned root bound by name rather than constructed.
	KindStable
)

func (k ObjectKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindSubobject:
		return "subobject"
	case KindStable:
		return "stable"
	default:
		return fmt.Sprintf("object_kind(%d)", int(k))
	}
}

// Role is what this node may do with an object.
type Role int

const (
	RoleSimulatedProxy Role = iota
	RoleAutonomousProxy
	RoleAuthority
)

func (r Role) String() string {
	switch r {
	case RoleSimulatedProxy:
		return "simulated_proxy"
	case RoleAutonomousProxy:
		return "autonomous_proxy"
	case RoleAuthority:
		return "authority"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// RefValue is a decoded object reference. Object is NoHandle while the target
// is not available locally.
type RefValue struct {
	Target view.ObjectRef
	Object Handle
}

// Value is the stored form of one property.
type Value struct {
	// Raw holds scalar and struct payloads.
	Raw json.RawMessage
	// Ref holds object-reference payloads.
	Ref RefValue
	// Elems holds array payloads.
	Elems []Value
}

// Object is a locally materialized simulated object.
type Object struct {
	handle     Handle
	owner      Handle
	kind       ObjectKind
	class      *schema.Class
	stableName string
	values     map[schema.Locator]Value
	subobjects map[uint32]Handle

	role        Role
	remoteRole  Role
	tornOff     bool
	dormant     bool
	importReady bool

	arena *arena
}

func (o *Object) Handle() Handle {
	return o.handle
}

// Owner is the root that owns a sub-object, or NoHandle for roots.
func (o *Object) Owner() Handle {
	return o.owner
}

func (o *Object) Kind() ObjectKind {
	return o.kind
}

func (o *Object) Class() *schema.Class {
	return o.class
}

func (o *Object) StableName() string {
	return o.stableName
}

func (o *Object) Role() Role {
	return o.role
}

func (o *Object) RemoteRole() Role {
	return o.remoteRole
}

func (o *Object) TornOff() bool {
	return o.tornOff
}

// Dormant reports whether the object's channel is closed for dormancy.
func (o *Object) Dormant() bool {
	return o.dormant
}

// ImportReady reports whether the object has received its full initial state.
func (o *Object) ImportReady() bool {
	return o.importReady
}

// Subobjects returns the attached sub-object handles ordered by offset.
func (o *Object) Subobjects() []Handle {
	offsets := make([]uint32, 0, len(o.subobjects))
	for off := range o.subobjects {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]Handle, len(offsets))
	for i, off := range offsets {
		out[i] = o.subobjects[off]
	}
	return out
}

// Subobject returns the sub-object attached at offset.
func (o *Object) Subobject(offset uint32) (Handle, bool) {
	h, ok := o.subobjects[offset]
	return h, ok
}

// Get returns the stored value of a property.
func (o *Object) Get(name string) (Value, bool) {
	p, ok := o.class.Property(name)
	if !ok {
		return Value{}, false
	}
	v, ok := o.values[p.Locator]
	return v, ok
}

// Scalar unmarshals a scalar or struct property into out.
func (o *Object) Scalar(name string, out any) error {
	v, ok := o.Get(name)
	if !ok || len(v.Raw) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	return json.Unmarshal(v.Raw, out)
}

// Ref returns the live object an object-reference property points at.
func (o *Object) Ref(name string) (Handle, bool) {
	v, ok := o.Get(name)
	if !ok || v.Ref.Object == NoHandle {
		return NoHandle, false
	}
	if _, live := o.arena.get(v.Ref.Object); !live {
		return NoHandle, false
	}
	return v.Ref.Object, true
}

// arena owns every object by handle. References between objects are always
// handles, never pointers, so cycles never tie object lifetimes together.
type arena struct {
	objects map[Handle]*Object
	retired map[Handle]struct{}
	next    Handle
}

func newArena() *arena {
	return &arena{
		objects: make(map[Handle]*Object),
		retired: make(map[Handle]struct{}),
	}
}

func (a *arena) create(kind ObjectKind, class *schema.Class, owner Handle) *Object {
	a.next++
	o := &Object{
		handle:     a.next,
		owner:      owner,
		kind:       kind,
		class:      class,
		values:     make(map[schema.Locator]Value),
		subobjects: make(map[uint32]Handle),
		arena:      a,
	}
	a.objects[o.handle] = o
	return o
}

func (a *arena) get(h Handle) (*Object, bool) {
	o, ok := a.objects[h]
	return o, ok
}

// remove tombstones the handle. Returns false if it was not live.
func (a *arena) remove(h Handle) bool {
	if _, ok := a.objects[h]; !ok {
		return false
	}
	delete(a.objects, h)
	a.retired[h] = struct{}{}
	return true
}

func (a *arena) isLive(h Handle) bool {
	_, ok := a.objects[h]
	return ok
}

func (a *arena) isRetired(h Handle) bool {
	_, ok := a.retired[h]
	return ok
}

func (a *arena) len() int {
	return len(a.objects)
}

// refsTo lists, in order, the properties holding a resolved reference to h.
func (o *Object) refsTo(h Handle) []schema.Locator {
	var out []schema.Locator
	for l, v := range o.values {
		if v.Ref.Object == h || slices.ContainsFunc(v.Elems, func(e Value) bool { return e.Ref.Object == h }) {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return out
}
