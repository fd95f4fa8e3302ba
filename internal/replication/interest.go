package replication

import (
	"fmt"
	"sort"

	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

// interestQueue holds client-interest recomputations requested during a tick.
type interestQueue struct {
	queued map[view.EntityId]bool
	// sent is the last interest written per entity, used when a request
	// extends rather than replaces it.
	sent map[view.EntityId][]view.EntityId
}

func (q *interestQueue) push(e view.EntityId, overwrite bool) {
	if q.queued == nil {
		q.queued = make(map[view.EntityId]bool)
	}
	q.queued[e] = q.queued[e] || overwrite
}

func (q *interestQueue) drop(e view.EntityId) {
	delete(q.queued, e)
	delete(q.sent, e)
}

// UpdateClientInterest queues a recomputation of the entities the owning
// client of h should see: every entity h or its sub-objects reference. With
// overwrite the previous interest is replaced; otherwise it is extended.
func (sc *SyncContext) UpdateClientInterest(h Handle, overwrite bool) error {
	o, ok := sc.objects.get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrObjectNotFound, h)
	}
	e, ok := sc.entityOf(sc.rootOf(o).handle)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotBound, h)
	}
	sc.interest.push(e, overwrite)
	return nil
}

// flushInterest writes the queued interest components this node may write.
// Requests for entities without server authority stay queued.
func (sc *SyncContext) flushInterest() {
	if len(sc.interest.queued) == 0 {
		return
	}
	if sc.interest.sent == nil {
		sc.interest.sent = make(map[view.EntityId][]view.EntityId)
	}

	entities := make([]view.EntityId, 0, len(sc.interest.queued))
	for e := range sc.interest.queued {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })

	for _, e := range entities {
		if !sc.HasAuthority(e, view.ServerAuthority) {
			continue
		}
		overwrite := sc.interest.queued[e]
		delete(sc.interest.queued, e)

		h, ok := sc.GetObjectFromEntityId(e)
		if !ok {
			continue
		}
		root, ok := sc.objects.get(h)
		if !ok {
			continue
		}

		interest := sc.referencedEntities(root)
		if !overwrite {
			interest = unionEntities(sc.interest.sent[e], interest)
		}

		blob := view.PropertyBlob{}
		_ = blob.Set("entities", interest)
		_ = blob.Set("overwrite", overwrite)
		if err := sc.conn.SendComponentUpdate(e, view.Root(view.KindInterest), blob); err != nil {
			sc.logger.Warn("sending client interest", "entity", e, "error", err)
			sc.interest.push(e, overwrite)
			continue
		}
		sc.interest.sent[e] = interest
	}
}

// referencedEntities lists the entities named by any object reference held by
// root or its sub-objects, resolved or not.
func (sc *SyncContext) referencedEntities(root *Object) []view.EntityId {
	self, _ := sc.entityOf(root.handle)
	set := map[view.EntityId]struct{}{}

	add := func(rv RefValue) {
		if !rv.Target.IsNull() && rv.Target.Entity != self {
			set[rv.Target.Entity] = struct{}{}
		}
	}

	for _, o := range sc.objectTree(root) {
		for _, p := range o.class.Properties() {
			if !p.HoldsRefs() {
				continue
			}
			v := o.values[p.Locator]
			if p.Kind == schema.KindObjectRef {
				add(v.Ref)
				continue
			}
			for _, el := range v.Elems {
				add(el.Ref)
			}
		}
	}

	return unionEntities(nil, keys(set))
}

func keys(set map[view.EntityId]struct{}) []view.EntityId {
	out := make([]view.EntityId, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	return out
}

func unionEntities(a, b []view.EntityId) []view.EntityId {
	set := map[view.EntityId]struct{}{}
	for _, e := range a {
		set[e] = struct{}{}
	}
	for _, e := range b {
		set[e] = struct{}{}
	}
	out := keys(set)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
