package view

import "fmt"

// DeltaKind classifies a per-entity entry in a change set.
type DeltaKind int

const (
	DeltaUpdated DeltaKind = iota
	DeltaAdded
	DeltaRemoved
	// DeltaTemporarilyRemoved means the entity left and re-entered the view
	// within one tick; local state must be rebuilt from scratch.
	DeltaTemporarilyRemoved
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaUpdated:
		return "updated"
	case DeltaAdded:
		return "added"
	case DeltaRemoved:
		return "removed"
	case DeltaTemporarilyRemoved:
		return "temporarily_removed"
	default:
		return fmt.Sprintf("delta(%d)", int(k))
	}
}

// ComponentUpdate is a component id plus the properties it carries. Updates
// may be partial; additions and refreshes carry the complete state.
type ComponentUpdate struct {
	Id   ComponentId  `json:"id"`
	Data PropertyBlob `json:"data,omitempty"`
}

// EntityDelta is everything that happened to one entity during a tick.
type EntityDelta struct {
	Entity EntityId  `json:"entity"`
	Kind   DeltaKind `json:"kind"`

	ComponentsAdded     []ComponentUpdate `json:"components_added,omitempty"`
	ComponentsUpdated   []ComponentUpdate `json:"components_updated,omitempty"`
	ComponentsRefreshed []ComponentUpdate `json:"components_refreshed,omitempty"`
	ComponentsRemoved   []ComponentId     `json:"components_removed,omitempty"`
}

// AuthorityChange reports a change of this node's authority over a component set.
type AuthorityChange struct {
	Entity EntityId       `json:"entity"`
	Set    ComponentSet   `json:"set"`
	State  AuthorityState `json:"state"`
}

// ViewChangeSet is one tick's worth of deltas for a filtered view.
type ViewChangeSet struct {
	Deltas    []EntityDelta     `json:"deltas,omitempty"`
	Authority []AuthorityChange `json:"authority,omitempty"`
}

// Empty reports whether the set carries nothing to process.
func (s *ViewChangeSet) Empty() bool {
	return s == nil || (len(s.Deltas) == 0 && len(s.Authority) == 0)
}

// Role tags a filtered view with what this node does with its entities.
type Role int

const (
	// RoleAuthoritative views hold the entities this node simulates.
	RoleAuthoritative Role = iota
	// RoleOwned views hold the entities owned by a client this node serves.
	RoleOwned
	// RoleSimulated views hold proxies this node only observes.
	RoleSimulated
)

func (r Role) String() string {
	switch r {
	case RoleAuthoritative:
		return "authoritative"
	case RoleOwned:
		return "owned"
	case RoleSimulated:
		return "simulated"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ClaimsCompleteness reports whether the view promises to carry the full
// component state of its entities. No two such views may share an entity.
func (r Role) ClaimsCompleteness() bool {
	return r == RoleAuthoritative || r == RoleOwned
}

// CanGainAuthority is false for views that by definition never receive write
// authority.
func (r Role) CanGainAuthority() bool {
	return r != RoleSimulated
}

// NamedChangeSet pairs a change set with the role of the view it came from.
type NamedChangeSet struct {
	Name string
	Role Role
	Set  *ViewChangeSet
}

// Metadata is the decoded form of the KindMetadata component.
type Metadata struct {
	Class      string `json:"class"`
	StableName string `json:"stable_name,omitempty"`
}

// Blob encodes the metadata as a component payload.
func (m Metadata) Blob() PropertyBlob {
	b := PropertyBlob{}
	_ = b.Set("class", m.Class)
	if m.StableName != "" {
		_ = b.Set("stable_name", m.StableName)
	}
	return b
}

// DecodeMetadata reads a KindMetadata payload.
func DecodeMetadata(b PropertyBlob) (Metadata, error) {
	var m Metadata
	found, err := b.Get("class", &m.Class)
	if err != nil {
		return m, err
	}
	if !found || m.Class == "" {
		return m, ErrNoClass
	}
	if _, err := b.Get("stable_name", &m.StableName); err != nil {
		return m, err
	}
	return m, nil
}
