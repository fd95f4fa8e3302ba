package view

import (
	"fmt"
	"strconv"
)

// EntityId identifies an entity in the distributed store. Ids are never
// reused while anything still references them.
type EntityId int64

// InvalidEntityId is the zero id; the store never assigns it.
const InvalidEntityId EntityId = 0

func (id EntityId) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ObjectRef addresses a single object on an entity. Offset 0 is the entity's
// root object; nonzero offsets are attached sub-objects.
type ObjectRef struct {
	Entity EntityId `json:"entity"`
	Offset uint32   `json:"offset"`
}

// NullRef is the reference written for an empty object-reference property.
var NullRef = ObjectRef{}

// RootRef returns the reference to an entity's root object.
func RootRef(e EntityId) ObjectRef {
	return ObjectRef{Entity: e}
}

func (r ObjectRef) IsNull() bool {
	return r.Entity == InvalidEntityId
}

func (r ObjectRef) IsRoot() bool {
	return r.Offset == 0
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%d:%d", r.Entity, r.Offset)
}

// ComponentKind identifies a property group schema. Kinds below
// FirstUserKind are reserved for synchronization bookkeeping.
type ComponentKind uint32

const (
	KindInvalid ComponentKind = iota
	// KindMetadata carries the entity's class and optional stable name.
	KindMetadata
	// KindDormant is present while the entity is dormant.
	KindDormant
	// KindTombstone marks a retired startup entity.
	KindTombstone
	// KindTornOff is written once when the authoritative node tears an entity off.
	KindTornOff
	// KindInterest holds the client interest query for an owned entity.
	KindInterest
	// KindRpcReliable is the ordered reliable RPC ring buffer.
	KindRpcReliable
	// KindRpcMulticast is the broadcast RPC ring buffer.
	KindRpcMulticast
	// KindRpcUnreliable carries best-effort calls for a single tick.
	KindRpcUnreliable
	// KindRpcAck acknowledges ring buffer entries on the receiving side.
	KindRpcAck

	FirstUserKind ComponentKind = 100
)

// IsReserved reports whether the kind is owned by the synchronization layer
// rather than a class schema.
func (k ComponentKind) IsReserved() bool {
	return k < FirstUserKind
}

// ComponentId addresses one component instance on an entity: the property
// group kind plus the sub-object offset it belongs to.
type ComponentId struct {
	Offset uint32        `json:"offset"`
	Kind   ComponentKind `json:"kind"`
}

// Root returns the id of a component attached to the root object.
func Root(k ComponentKind) ComponentId {
	return ComponentId{Kind: k}
}

func (c ComponentId) String() string {
	return fmt.Sprintf("%d@%d", c.Kind, c.Offset)
}

// ComponentSet groups components that share a single authority.
type ComponentSet int

const (
	// ServerAuthority covers every component the simulating server writes.
	ServerAuthority ComponentSet = iota
	// ClientAuthority covers the components an owning client writes.
	ClientAuthority
)

func (s ComponentSet) String() string {
	switch s {
	case ServerAuthority:
		return "server"
	case ClientAuthority:
		return "client"
	default:
		return fmt.Sprintf("set(%d)", int(s))
	}
}

// AuthorityState is this node's write permission over a component set.
type AuthorityState int

const (
	NotAuthoritative AuthorityState = iota
	Authoritative
)

func (a AuthorityState) String() string {
	if a == Authoritative {
		return "authoritative"
	}
	return "not_authoritative"
}
