package replication

import (
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

// applyAuthority records one authority change and flips local roles. Repeated
// reports of the state already held are ignored, so callbacks fire once per
// real transition.
func (sc *SyncContext) applyAuthority(c view.AuthorityChange) {
	key := authorityKey{entity: c.Entity, set: c.Set}
	if sc.authority[key] == c.State {
		return
	}
	if c.State == view.NotAuthoritative {
		delete(sc.authority, key)
	} else {
		sc.authority[key] = c.State
	}

	gained := c.State == view.Authoritative
	sc.logger.Debug("authority changed", "entity", c.Entity, "set", c.Set, "state", c.State)

	if c.Set == view.ServerAuthority && gained && sc.runDeferredRetire(c.Entity) {
		return
	}

	h, ok := sc.GetObjectFromEntityId(c.Entity)
	if !ok {
		return
	}
	root, ok := sc.objects.get(h)
	if !ok {
		return
	}

	switch c.Set {
	case view.ServerAuthority:
		if gained {
			delete(sc.demoted, c.Entity)
			sc.gainServerAuthority(root)
		} else {
			sc.loseServerAuthority(c.Entity, root)
		}
	case view.ClientAuthority:
		sc.setClientAuthority(root, gained)
	}
}

func (sc *SyncContext) gainServerAuthority(root *Object) {
	if root.dormant {
		sc.wake(root)
	}
	for _, o := range sc.objectTree(root) {
		if ch, ok := sc.channels[o.handle]; ok {
			ch.serverAuthoritative = true
		}
	}

	remote := RoleSimulatedProxy
	if e, ok := sc.entityOf(root.handle); ok && sc.isOwned(e) {
		remote = RoleAutonomousProxy
	}
	sc.setRoles(root, RoleAuthority, remote)
	sc.listener.OnAuthorityGained(root)
}

func (sc *SyncContext) loseServerAuthority(e view.EntityId, root *Object) {
	for _, o := range sc.objectTree(root) {
		if ch, ok := sc.channels[o.handle]; ok {
			ch.serverAuthoritative = false
		}
	}

	if _, ok := sc.demoted[e]; ok {
		delete(sc.demoted, e)
		return
	}

	sc.setRoles(root, sc.proxyRole(e), RoleAuthority)
	sc.listener.OnAuthorityLost(root)
}

func (sc *SyncContext) setClientAuthority(root *Object, gained bool) {
	for _, o := range sc.objectTree(root) {
		if ch, ok := sc.channels[o.handle]; ok {
			ch.clientAuthoritative = gained
		}
	}

	if root.role == RoleAuthority {
		remote := RoleSimulatedProxy
		if gained {
			remote = RoleAutonomousProxy
		}
		sc.setRoles(root, RoleAuthority, remote)
		return
	}

	local := RoleSimulatedProxy
	if gained && sc.nodeType == schema.NodeClient {
		local = RoleAutonomousProxy
	}
	sc.setRoles(root, local, RoleAuthority)
}

// proxyRole is the local role of an entity this node does not simulate.
func (sc *SyncContext) proxyRole(e view.EntityId) Role {
	if sc.nodeType == schema.NodeClient && sc.isOwned(e) {
		return RoleAutonomousProxy
	}
	return RoleSimulatedProxy
}

// refreshRole derives roles from the last observed authority state.
func (sc *SyncContext) refreshRole(root *Object, e view.EntityId) {
	if sc.HasAuthority(e, view.ServerAuthority) {
		remote := RoleSimulatedProxy
		if sc.isOwned(e) {
			remote = RoleAutonomousProxy
		}
		sc.setRoles(root, RoleAuthority, remote)
		return
	}
	sc.setRoles(root, sc.proxyRole(e), RoleAuthority)
}

func (sc *SyncContext) setRoles(root *Object, local, remote Role) {
	for _, o := range sc.objectTree(root) {
		o.role = local
		o.remoteRole = remote
	}
}

// DemoteForOwnershipChange drops local authority ahead of an ownership
// handoff. The authority loss later reported by the view does not notify a
// second time.
func (sc *SyncContext) DemoteForOwnershipChange(h Handle) error {
	o, ok := sc.objects.get(h)
	if !ok {
		return ErrObjectNotFound
	}
	root := sc.rootOf(o)
	e, ok := sc.entityOf(root.handle)
	if !ok {
		return ErrNotBound
	}
	if root.role != RoleAuthority {
		return ErrNotAuthoritative
	}

	sc.demoted[e] = struct{}{}
	sc.setRoles(root, sc.proxyRole(e), RoleAuthority)
	sc.listener.OnAuthorityLost(root)
	return nil
}
