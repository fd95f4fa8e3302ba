package replication

import (
	"encoding/json"
	"sort"

	"github.com/pixil98/go-entsync/internal/changelist"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

// PendingRef is one unresolved reference held by a property. Index is the
// array element holding it, or -1 for a plain object-reference property.
type PendingRef struct {
	Ref   view.ObjectRef
	Index int
}

// Channel is the synchronization unit of one object: its change history, the
// last value sent per property, the last raw value per property, and the
// references it is still waiting on.
type Channel struct {
	object Handle
	ref    view.ObjectRef

	history  *changelist.History
	outgoing *changelist.Cursor
	shadow   map[schema.Locator]json.RawMessage
	raw      map[schema.Locator]json.RawMessage
	pending  map[schema.Locator][]PendingRef

	createdEntity       bool
	sentInitial         bool
	serverAuthoritative bool
	clientAuthoritative bool
	closed              bool
}

func newChannel(h Handle, ref view.ObjectRef, historyCap int) *Channel {
	hist := changelist.NewHistory(historyCap)
	return &Channel{
		object:   h,
		ref:      ref,
		history:  hist,
		outgoing: hist.NewCursor(),
		shadow:   make(map[schema.Locator]json.RawMessage),
		raw:      make(map[schema.Locator]json.RawMessage),
		pending:  make(map[schema.Locator][]PendingRef),
	}
}

func (c *Channel) Object() Handle {
	return c.object
}

func (c *Channel) Ref() view.ObjectRef {
	return c.ref
}

// History is the channel's change-list history.
func (c *Channel) History() *changelist.History {
	return c.history
}

func (c *Channel) ServerAuthoritative() bool {
	return c.serverAuthoritative
}

func (c *Channel) ClientAuthoritative() bool {
	return c.clientAuthoritative
}

func (c *Channel) CreatedEntity() bool {
	return c.createdEntity
}

// PendingRefs returns every distinct unresolved reference, sorted.
func (c *Channel) PendingRefs() []view.ObjectRef {
	seen := make(map[view.ObjectRef]struct{})
	for _, refs := range c.pending {
		for _, p := range refs {
			seen[p.Ref] = struct{}{}
		}
	}
	out := make([]view.ObjectRef, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Offset < out[j].Offset
	})
	return out
}

// PendingFor returns the unresolved references held by one property.
func (c *Channel) PendingFor(l schema.Locator) []PendingRef {
	return c.pending[l]
}

// holdsPending reports whether any property still waits on ref.
func (c *Channel) holdsPending(ref view.ObjectRef) bool {
	for _, refs := range c.pending {
		for _, p := range refs {
			if p.Ref == ref {
				return true
			}
		}
	}
	return false
}

// locatorsWaitingOn lists, in order, the properties waiting on ref.
func (c *Channel) locatorsWaitingOn(ref view.ObjectRef) []schema.Locator {
	var out []schema.Locator
	for l, refs := range c.pending {
		for _, p := range refs {
			if p.Ref == ref {
				out = append(out, l)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// dropPending removes every entry for ref without applying it.
func (c *Channel) dropPending(ref view.ObjectRef) {
	for l, refs := range c.pending {
		kept := refs[:0]
		for _, p := range refs {
			if p.Ref != ref {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(c.pending, l)
		} else {
			c.pending[l] = kept
		}
	}
}

// record adds one change list to the history.
func (c *Channel) record(changes ...changelist.Change) {
	c.history.Record(changes...)
}
