package replication

import (
	"context"
	"errors"

	"github.com/pixil98/go-entsync/internal/view"
)

// Advance consumes one tick of change sets, in the order given. Each phase
// runs across every set before the next phase starts: updates, then queued
// notifications and due tear-off destroys, then removals, then additions,
// then authority gains. Pending
// client interest, outgoing property changes and remote calls are flushed
// last.
func (sc *SyncContext) Advance(ctx context.Context, sets []view.NamedChangeSet) {
	sc.tick++
	sc.drainInbox()

	sets = nonEmpty(sets)
	sc.checkDisjoint(sets)

	for _, s := range sets {
		for _, a := range s.Set.Authority {
			if a.State == view.NotAuthoritative {
				sc.applyAuthority(a)
			}
		}
	}

	for _, s := range sets {
		for _, d := range s.Set.Deltas {
			if d.Kind == view.DeltaUpdated {
				sc.applyUpdate(d)
			}
		}
	}

	sc.dispatchNotifies()
	sc.destroyDue()

	sweep := map[view.EntityId]struct{}{}
	for _, s := range sets {
		for _, d := range s.Set.Deltas {
			switch d.Kind {
			case view.DeltaRemoved:
				sc.processRemove(s, d.Entity, sweep)
			case view.DeltaTemporarilyRemoved:
				if s.Role != view.RoleSimulated {
					sc.teardown(d.Entity)
				}
			}
		}
	}

	for _, s := range sets {
		for _, d := range s.Set.Deltas {
			switch d.Kind {
			case view.DeltaAdded:
				sc.processAdd(s, d.Entity)
			case view.DeltaTemporarilyRemoved:
				sc.processRefresh(s, d.Entity)
			}
		}
	}

	for _, e := range sortedEntities(sweep) {
		if len(sc.membership[e]) == 0 {
			delete(sc.membership, e)
			sc.teardown(e)
		}
	}

	for _, s := range sets {
		for _, a := range s.Set.Authority {
			if a.State != view.Authoritative {
				continue
			}
			if !s.Role.CanGainAuthority() {
				sc.logger.Warn("ignoring authority gain reported by simulated view",
					"view", s.Name, "entity", a.Entity, "set", a.Set)
				continue
			}
			sc.applyAuthority(a)
		}
	}

	sc.flushInterest()
	sc.replicateOutgoing()
	sc.rpc.Flush(ctx)
}

func nonEmpty(sets []view.NamedChangeSet) []view.NamedChangeSet {
	out := make([]view.NamedChangeSet, 0, len(sets))
	for _, s := range sets {
		if !s.Set.Empty() {
			out = append(out, s)
		}
	}
	return out
}

// checkDisjoint warns when two views both claim completeness for an entity,
// or both report authority over the same component set.
func (sc *SyncContext) checkDisjoint(sets []view.NamedChangeSet) {
	claimed := map[view.EntityId]string{}
	for _, s := range sets {
		if !s.Role.ClaimsCompleteness() {
			continue
		}
		for _, d := range s.Set.Deltas {
			if d.Kind == view.DeltaRemoved {
				continue
			}
			if other, ok := claimed[d.Entity]; ok && other != s.Name {
				sc.logger.Warn("entity claimed by two complete views",
					"entity", d.Entity, "view", s.Name, "other", other)
				continue
			}
			claimed[d.Entity] = s.Name
		}
	}

	granted := map[authorityKey]string{}
	for _, s := range sets {
		for _, a := range s.Set.Authority {
			if a.State != view.Authoritative {
				continue
			}
			key := authorityKey{entity: a.Entity, set: a.Set}
			if other, ok := granted[key]; ok && other != s.Name {
				sc.logger.Warn("authority reported by two views",
					"entity", a.Entity, "set", a.Set, "view", s.Name, "other", other)
				continue
			}
			granted[key] = s.Name
		}
	}
}

// applyUpdate applies an Updated delta to a materialized entity.
func (sc *SyncContext) applyUpdate(d view.EntityDelta) {
	h, ok := sc.GetObjectFromEntityId(d.Entity)
	if !ok {
		return
	}
	root, ok := sc.objects.get(h)
	if !ok || !root.importReady {
		return
	}
	e := d.Entity

	for _, cu := range d.ComponentsAdded {
		if cu.Id.Kind.IsReserved() {
			sc.applyReserved(e, root, cu.Id, cu.Data, true)
			continue
		}
		sc.componentAdded(e, root, cu)
	}
	if !sc.objects.isLive(h) {
		return
	}

	for _, id := range d.ComponentsRemoved {
		if id.Kind == view.KindDormant {
			sc.wake(root)
		}
	}

	for _, cu := range d.ComponentsUpdated {
		if cu.Id.Kind.IsReserved() {
			sc.applyReserved(e, root, cu.Id, cu.Data, false)
			continue
		}
		sc.applyComponent(e, root, cu.Id, cu.Data)
	}

	for _, cu := range d.ComponentsRefreshed {
		if cu.Id.Kind.IsReserved() {
			sc.applyReserved(e, root, cu.Id, cu.Data, false)
			continue
		}
		sc.applyComponent(e, root, cu.Id, cu.Data)
	}

	for _, id := range d.ComponentsRemoved {
		if id.Kind.IsReserved() {
			continue
		}
		sc.componentRemoved(e, root, id)
	}
}

// componentAdded applies a new component, attaching its dynamic sub-object
// once every expected component of that sub-object is visible.
func (sc *SyncContext) componentAdded(e view.EntityId, root *Object, cu view.ComponentUpdate) {
	off := cu.Id.Offset
	if off == 0 || off < root.class.DynamicOffsetBase() {
		sc.applyComponent(e, root, cu.Id, cu.Data)
		return
	}
	if _, ok := root.subobjects[off]; ok {
		sc.applyComponent(e, root, cu.Id, cu.Data)
		return
	}

	sub, ok := sc.trackSubobject(root, e, off, cu.Id.Kind)
	if !ok {
		return
	}
	for _, id := range sc.view.Components(e) {
		if id.Offset != off || id.Kind.IsReserved() {
			continue
		}
		if blob, ok := sc.view.Component(e, id); ok {
			sc.applyComponent(e, root, id, blob)
		}
	}
	if ref, ok := sc.refs.RefFor(sub.handle); ok {
		sc.OnObjectBecameResolvable(ref)
	}
}

// componentRemoved detaches a dynamic sub-object that lost a component.
func (sc *SyncContext) componentRemoved(e view.EntityId, root *Object, id view.ComponentId) {
	if id.Offset < root.class.DynamicOffsetBase() {
		return
	}
	sc.forgetArrivals(e, id.Offset, id.Kind)
	if h, ok := root.subobjects[id.Offset]; ok {
		sc.logger.Debug("detaching sub-object", "entity", e, "offset", id.Offset)
		sc.Destroy(h)
	}
}

// processRemove drops the view's membership of the entity and tears it down
// once no complete view holds it. Simulated views never tear down directly;
// their removals are swept after additions so an entity moving to another
// view is not rebuilt.
func (sc *SyncContext) processRemove(s view.NamedChangeSet, e view.EntityId, sweep map[view.EntityId]struct{}) {
	members := sc.membership[e]
	if _, ok := members[s.Name]; !ok {
		sc.logger.Warn("malformed view delta", "entity", e, "view", s.Name, "error", view.ErrRemoveNotAdded)
		sc.forceAbsent(e)
		return
	}
	delete(members, s.Name)

	if s.Role == view.RoleSimulated {
		sweep[e] = struct{}{}
		return
	}
	if len(members) == 0 {
		delete(sc.membership, e)
		sc.teardown(e)
	}
}

func (sc *SyncContext) processAdd(s view.NamedChangeSet, e view.EntityId) {
	members, ok := sc.membership[e]
	if !ok {
		members = make(map[string]view.Role)
		sc.membership[e] = members
	}
	if _, dup := members[s.Name]; dup {
		sc.logger.Warn("malformed view delta", "entity", e, "view", s.Name, "error", view.ErrDuplicateAdd)
		sc.forceAbsent(e)
		return
	}
	if s.Role.ClaimsCompleteness() {
		for name, role := range members {
			if role.ClaimsCompleteness() {
				sc.logger.Warn("entity claimed by two complete views",
					"entity", e, "view", s.Name, "other", name)
			}
		}
	}
	members[s.Name] = s.Role

	sc.materializeOrRetire(e)
}

// processRefresh rebuilds an entity whose view briefly lost it.
func (sc *SyncContext) processRefresh(s view.NamedChangeSet, e view.EntityId) {
	if _, ok := sc.membership[e][s.Name]; !ok {
		sc.logger.Warn("malformed view delta", "entity", e, "view", s.Name, "error", view.ErrRemoveNotAdded)
		sc.forceAbsent(e)
		return
	}

	if s.Role == view.RoleSimulated {
		if h, ok := sc.GetObjectFromEntityId(e); ok {
			if root, ok := sc.objects.get(h); ok {
				sc.applyFullState(e, root)
				sc.resolveObjectTree(root)
				return
			}
		}
	}
	sc.materializeOrRetire(e)
}

func (sc *SyncContext) materializeOrRetire(e view.EntityId) {
	if sc.RetirePending(e) {
		sc.runDeferredRetire(e)
		return
	}

	if _, err := sc.Materialize(e); err != nil {
		if errors.Is(err, ErrTombstoned) {
			sc.logger.Debug("skipping tombstoned entity", "entity", e)
			return
		}
		sc.logger.Warn("materializing entity", "entity", e, "error", err)
	}
}

// teardown releases the local object of an entity that left the view.
// Torn-off objects outlive the view for the tear-off delay.
func (sc *SyncContext) teardown(e view.EntityId) {
	delete(sc.seen, e)

	h, ok := sc.GetObjectFromEntityId(e)
	if !ok {
		return
	}
	o, ok := sc.objects.get(h)
	if !ok {
		sc.refs.Unbind(h)
		return
	}

	if o.tornOff {
		if !sc.destroyScheduled(h) {
			sc.scheduleDestroy(h)
		}
		return
	}
	sc.Destroy(h)
}

// forceAbsent puts an entity in the state of never having been seen.
func (sc *SyncContext) forceAbsent(e view.EntityId) {
	delete(sc.membership, e)
	sc.teardown(e)
}

func (sc *SyncContext) destroyScheduled(h Handle) bool {
	for _, d := range sc.tearOffs {
		if d.object == h {
			return true
		}
	}
	return false
}

func sortedEntities(set map[view.EntityId]struct{}) []view.EntityId {
	return unionEntities(nil, keys(set))
}
