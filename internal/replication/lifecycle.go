package replication

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

type retireRequest struct {
	isStartup    bool
	needsTearOff bool
}

type scheduledDestroy struct {
	object Handle
	due    uint64
}

// CreateObject constructs an unbound root object for local spawning.
func (sc *SyncContext) CreateObject(className string) (Handle, error) {
	class, ok := sc.registry.Class(className)
	if !ok {
		return NoHandle, fmt.Errorf("%w: %s", ErrUnknownClass, className)
	}
	o := sc.objects.create(KindRoot, class, NoHandle)
	o.role = RoleAuthority
	o.importReady = true
	sc.createDeclaredSubobjects(o, view.InvalidEntityId)
	return o.handle, nil
}

// RegisterStableObject pre-spawns a named object. When an entity whose
// metadata carries the same stable name is materialized it binds to this
// object instead of constructing a new one.
func (sc *SyncContext) RegisterStableObject(name, className string) (Handle, error) {
	if _, ok := sc.stable[name]; ok {
		return NoHandle, fmt.Errorf("stable object %q already registered", name)
	}
	class, ok := sc.registry.Class(className)
	if !ok {
		return NoHandle, fmt.Errorf("%w: %s", ErrUnknownClass, className)
	}
	o := sc.objects.create(KindStable, class, NoHandle)
	o.stableName = name
	sc.stable[name] = o.handle
	return o.handle, nil
}

// Materialize creates the local object for a visible entity and applies every
// component currently visible for it. Materializing an entity whose object is
// already import-ready is a no-op.
func (sc *SyncContext) Materialize(e view.EntityId) (Handle, error) {
	if h, ok := sc.GetObjectFromEntityId(e); ok {
		if o, ok := sc.objects.get(h); ok && o.importReady {
			return h, nil
		}
	}

	if !sc.view.HasEntity(e) {
		return NoHandle, fmt.Errorf("entity %s: %w", e, view.ErrEntityNotFound)
	}
	blob, ok := sc.view.Component(e, view.Root(view.KindMetadata))
	if !ok {
		return NoHandle, fmt.Errorf("entity %s: %w", e, view.ErrNoClass)
	}
	md, err := view.DecodeMetadata(blob)
	if err != nil {
		return NoHandle, fmt.Errorf("entity %s: %w", e, err)
	}
	class, ok := sc.registry.Class(md.Class)
	if !ok {
		return NoHandle, fmt.Errorf("entity %s: %w: %s", e, ErrUnknownClass, md.Class)
	}

	if sc.view.HasComponent(e, view.Root(view.KindTombstone)) {
		sc.logger.Debug("entity is tombstoned", "entity", e, "stable_name", md.StableName)
		if h, ok := sc.stable[md.StableName]; ok && md.StableName != "" {
			sc.Destroy(h)
		}
		return NoHandle, fmt.Errorf("entity %s: %w", e, ErrTombstoned)
	}

	root, err := sc.rootFor(e, md, class)
	if err != nil {
		return NoHandle, err
	}

	sc.refs.Bind(view.RootRef(e), root.handle)
	if ch, ok := sc.channels[root.handle]; ok {
		ch.ref = view.RootRef(e)
	} else {
		sc.newChannel(root, view.RootRef(e))
	}
	sc.createDeclaredSubobjects(root, e)

	for _, off := range sc.dynamicOffsets(e, root.class) {
		sc.trackSubobject(root, e, off)
	}

	sc.applyFullState(e, root)
	sc.refreshRole(root, e)
	root.importReady = true

	sc.resolveObjectTree(root)

	sc.logger.Debug("materialized entity", "entity", e, "class", class.Name(), "handle", root.handle)
	return root.handle, nil
}

// rootFor returns the object an entity should bind to: an already bound but
// not yet ready object, a registered stable object, or a new root.
func (sc *SyncContext) rootFor(e view.EntityId, md view.Metadata, class *schema.Class) (*Object, error) {
	if h, ok := sc.GetObjectFromEntityId(e); ok {
		if o, ok := sc.objects.get(h); ok {
			return o, nil
		}
	}

	if md.StableName == "" {
		return sc.objects.create(KindRoot, class, NoHandle), nil
	}

	h, ok := sc.stable[md.StableName]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w: %s", e, ErrStableNotFound, md.StableName)
	}
	o, ok := sc.objects.get(h)
	if !ok {
		return nil, fmt.Errorf("entity %s: %w: %s", e, ErrStableNotFound, md.StableName)
	}
	if o.class != class {
		return nil, fmt.Errorf("entity %s: stable object %s is %s, not %s",
			e, md.StableName, o.class.Name(), class.Name())
	}
	return o, nil
}

// createDeclaredSubobjects creates and binds the sub-objects a class declares.
// Entity may be invalid for objects that are not bound yet.
func (sc *SyncContext) createDeclaredSubobjects(root *Object, e view.EntityId) {
	for i, so := range root.class.SubObjects {
		off := uint32(i + 1)
		h, ok := root.subobjects[off]
		if !ok {
			h = sc.createSubobject(root, off, so.Class.Get()).handle
		}
		if e == view.InvalidEntityId {
			continue
		}
		ref := view.ObjectRef{Entity: e, Offset: off}
		sc.refs.Bind(ref, h)
		if ch, ok := sc.channels[h]; ok {
			ch.ref = ref
		} else if sub, ok := sc.objects.get(h); ok {
			sc.newChannel(sub, ref)
		}
	}
}

func (sc *SyncContext) createSubobject(root *Object, off uint32, class *schema.Class) *Object {
	sub := sc.objects.create(KindSubobject, class, root.handle)
	sub.role = root.role
	sub.remoteRole = root.remoteRole
	sub.importReady = true
	root.subobjects[off] = sub.handle
	return sub
}

// dynamicOffsets lists, in order, the sub-object offsets visible on an entity
// that its class does not declare.
func (sc *SyncContext) dynamicOffsets(e view.EntityId, class *schema.Class) []uint32 {
	set := map[uint32]struct{}{}
	for _, id := range sc.view.Components(e) {
		if id.Offset >= class.DynamicOffsetBase() {
			set[id.Offset] = struct{}{}
		}
	}
	out := make([]uint32, 0, len(set))
	for off := range set {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// trackSubobject records the components that arrived for a dynamic
// sub-object and constructs it once every component expected for this node
// has been seen. With no arrivals, everything currently visible at the offset
// is recorded. It returns the sub-object when it exists after the call.
func (sc *SyncContext) trackSubobject(root *Object, e view.EntityId, off uint32, arrived ...view.ComponentKind) (*Object, bool) {
	if h, ok := root.subobjects[off]; ok {
		return sc.objects.get(h)
	}

	if len(arrived) == 0 {
		for _, id := range sc.view.Components(e) {
			if id.Offset == off && !id.Kind.IsReserved() {
				arrived = append(arrived, id.Kind)
			}
		}
	}
	ledger := sc.arrivals(e, off)
	for _, k := range arrived {
		ledger[k] = struct{}{}
	}

	var class *schema.Class
	for _, k := range slices.Sorted(maps.Keys(ledger)) {
		if class, _ = sc.registry.ClassForKind(k); class != nil {
			break
		}
	}
	if class == nil {
		sc.forgetArrivals(e, off)
		return nil, false
	}

	for k := range class.ExpectedKinds(sc.nodeType, sc.isOwned(e)) {
		if _, ok := ledger[k]; !ok {
			return nil, false
		}
	}
	sc.forgetArrivals(e, off)

	sub := sc.createSubobject(root, off, class)
	ref := view.ObjectRef{Entity: e, Offset: off}
	sc.refs.Bind(ref, sub.handle)
	sc.newChannel(sub, ref)
	sc.logger.Debug("attached sub-object", "entity", e, "offset", off, "class", class.Name())
	return sub, true
}

// arrivals returns the ledger of components seen so far for a pending
// dynamic sub-object.
func (sc *SyncContext) arrivals(e view.EntityId, off uint32) map[view.ComponentKind]struct{} {
	offs, ok := sc.seen[e]
	if !ok {
		offs = make(map[uint32]map[view.ComponentKind]struct{})
		sc.seen[e] = offs
	}
	ledger, ok := offs[off]
	if !ok {
		ledger = make(map[view.ComponentKind]struct{})
		offs[off] = ledger
	}
	return ledger
}

func (sc *SyncContext) forgetArrivals(e view.EntityId, off uint32, kinds ...view.ComponentKind) {
	offs, ok := sc.seen[e]
	if !ok {
		return
	}
	if len(kinds) == 0 {
		delete(offs, off)
	} else if ledger, ok := offs[off]; ok {
		for _, k := range kinds {
			delete(ledger, k)
		}
		if len(ledger) == 0 {
			delete(offs, off)
		}
	}
	if len(offs) == 0 {
		delete(sc.seen, e)
	}
}

// applyFullState applies every visible component of an entity to its objects,
// except the kinds listed in skip.
func (sc *SyncContext) applyFullState(e view.EntityId, root *Object, skip ...view.ComponentKind) {
	for _, id := range sc.view.Components(e) {
		if slices.Contains(skip, id.Kind) {
			continue
		}
		blob, ok := sc.view.Component(e, id)
		if !ok {
			continue
		}
		if id.Kind.IsReserved() {
			sc.applyReserved(e, root, id, blob, true)
			continue
		}
		sc.applyComponent(e, root, id, blob)
	}
}

// applyComponent routes a user component to the object at its offset.
func (sc *SyncContext) applyComponent(e view.EntityId, root *Object, id view.ComponentId, blob view.PropertyBlob) {
	target := root
	if id.Offset != 0 {
		h, ok := root.subobjects[id.Offset]
		if !ok {
			return
		}
		if target, ok = sc.objects.get(h); !ok {
			return
		}
	}

	ch, ok := sc.channels[target.handle]
	if !ok {
		return
	}
	if p := target.class.ComponentProperties(id.Kind); len(p) == 0 {
		sc.logger.Warn("component does not belong to object class",
			"entity", e, "component", id, "class", target.class.Name())
		return
	}
	sc.applyIncoming(target, ch, id.Kind, blob)
}

// applyReserved handles the components owned by the synchronization layer.
func (sc *SyncContext) applyReserved(e view.EntityId, root *Object, id view.ComponentId, blob view.PropertyBlob, added bool) {
	switch id.Kind {
	case view.KindDormant:
		if added {
			sc.sleep(root)
		}
	case view.KindTornOff:
		torn := true
		if _, err := blob.Get("torn_off", &torn); err != nil {
			sc.logger.Warn("malformed tear-off component", "entity", e, "error", err)
		}
		if torn && !root.tornOff {
			sc.markTornOff(e, root)
			sc.notifies.tornOff(root.handle)
		}
	case view.KindTombstone:
		if added {
			sc.logger.Debug("entity tombstoned", "entity", e)
			sc.Destroy(root.handle)
		}
	case view.KindRpcReliable, view.KindRpcMulticast, view.KindRpcUnreliable:
		sc.rpc.Receive(e, id.Kind, blob)
	case view.KindRpcAck:
		sc.rpc.Acknowledge(e, blob)
	}
}

// markTornOff freezes the object tree and fails its outstanding calls.
func (sc *SyncContext) markTornOff(e view.EntityId, root *Object) {
	root.tornOff = true
	sc.rpc.Cancel(e)
	for _, h := range root.subobjects {
		if sub, ok := sc.objects.get(h); ok {
			sub.tornOff = true
		}
	}
}

// sleep closes the channels of a dormant entity. The objects stay alive.
func (sc *SyncContext) sleep(root *Object) {
	if root.dormant {
		return
	}
	root.dormant = true
	for _, o := range sc.objectTree(root) {
		if ch, ok := sc.channels[o.handle]; ok {
			sc.releaseChannel(ch)
		}
	}
	sc.logger.Debug("object went dormant", "handle", root.handle)
}

// wake recreates the channels of a dormant entity and reapplies its state.
func (sc *SyncContext) wake(root *Object) {
	if !root.dormant {
		return
	}
	root.dormant = false
	for _, o := range sc.objectTree(root) {
		if ref, ok := sc.refs.RefFor(o.handle); ok {
			sc.newChannel(o, ref)
		}
	}
	if e, ok := sc.entityOf(root.handle); ok {
		// A local wake while the view still marks the entity dormant must
		// not put it straight back to sleep.
		sc.applyFullState(e, root, view.KindDormant)
		sc.resolveObjectTree(root)
	}
	sc.logger.Debug("object woke from dormancy", "handle", root.handle)
}

// objectTree returns the root followed by its sub-objects in offset order.
func (sc *SyncContext) objectTree(root *Object) []*Object {
	out := []*Object{root}
	for _, h := range root.Subobjects() {
		if sub, ok := sc.objects.get(h); ok {
			out = append(out, sub)
		}
	}
	return out
}

// Retire removes an entity from the distributed store. Without server
// authority the request is deferred until authority is gained.
func (sc *SyncContext) Retire(e view.EntityId, isStartup, needsTearOff bool) error {
	if !sc.HasAuthority(e, view.ServerAuthority) {
		sc.deferred[e] = retireRequest{isStartup: isStartup, needsTearOff: needsTearOff}
		sc.logger.Debug("deferring retire until authority is gained", "entity", e)
		return nil
	}
	delete(sc.deferred, e)

	h, bound := sc.GetObjectFromEntityId(e)

	switch {
	case needsTearOff:
		o, ok := sc.objects.get(h)
		if !bound || !ok {
			return fmt.Errorf("entity %s: %w", e, ErrObjectNotFound)
		}
		sc.markTornOff(e, o)
		blob := view.PropertyBlob{}
		_ = blob.Set("torn_off", true)
		if err := sc.conn.SendComponentUpdate(e, view.Root(view.KindTornOff), blob); err != nil {
			return fmt.Errorf("broadcasting tear-off of %s: %w", e, err)
		}
		sc.notifies.tornOff(h)
		sc.scheduleDestroy(h)

	case isStartup:
		if err := sc.conn.SendAddComponent(e, view.Root(view.KindTombstone), view.PropertyBlob{}); err != nil {
			return fmt.Errorf("tombstoning %s: %w", e, err)
		}
		if bound {
			sc.Destroy(h)
		}

	default:
		if err := sc.conn.SendDeleteEntityRequest(e, view.RetryUntilComplete); err != nil {
			return fmt.Errorf("deleting %s: %w", e, err)
		}
		if bound {
			sc.Destroy(h)
		}
	}

	return nil
}

// RetirePending reports whether a retire for the entity is waiting on authority.
func (sc *SyncContext) RetirePending(e view.EntityId) bool {
	_, ok := sc.deferred[e]
	return ok
}

// runDeferredRetire performs a retire that was waiting on authority.
func (sc *SyncContext) runDeferredRetire(e view.EntityId) bool {
	req, ok := sc.deferred[e]
	if !ok {
		return false
	}
	if err := sc.Retire(e, req.isStartup, req.needsTearOff); err != nil {
		sc.logger.Warn("deferred retire failed", "entity", e, "error", err)
	}
	return true
}

func (sc *SyncContext) scheduleDestroy(h Handle) {
	sc.tearOffs = append(sc.tearOffs, scheduledDestroy{object: h, due: sc.tick + sc.tearOffDelay})
}

// destroyDue destroys the torn-off objects whose delay has passed.
func (sc *SyncContext) destroyDue() {
	kept := sc.tearOffs[:0]
	for _, d := range sc.tearOffs {
		if d.due > sc.tick {
			kept = append(kept, d)
			continue
		}
		sc.Destroy(d.object)
	}
	sc.tearOffs = kept
}

// Destroy frees an object. Destroying a root first releases every sub-object.
// Destroying an object that is already gone is a no-op.
func (sc *SyncContext) Destroy(h Handle) {
	o, ok := sc.objects.get(h)
	if !ok {
		if sc.objects.isRetired(h) {
			sc.logger.Debug("object already destroyed", "handle", h)
		}
		return
	}

	if o.owner != NoHandle {
		if root, ok := sc.objects.get(o.owner); ok {
			for off, sh := range root.subobjects {
				if sh == h {
					delete(root.subobjects, off)
				}
			}
		}
		sc.release(o)
		sc.listener.OnDestroyed(o)
		return
	}

	for _, sh := range o.Subobjects() {
		if sub, ok := sc.objects.get(sh); ok {
			sc.release(sub)
			sc.listener.OnDestroyed(sub)
		}
	}
	o.subobjects = make(map[uint32]Handle)

	e, bound := sc.entityOf(h)
	sc.release(o)
	if bound {
		sc.rpc.Cancel(e)
		delete(sc.seen, e)
		delete(sc.deferred, e)
		delete(sc.demoted, e)
		sc.interest.drop(e)
	}
	if o.stableName != "" {
		delete(sc.stable, o.stableName)
	}

	sc.logger.Debug("destroyed object", "handle", h, "entity", e)
	sc.listener.OnDestroyed(o)
}

// release tears down an object's channel and binding and tombstones its handle.
func (sc *SyncContext) release(o *Object) {
	if ch, ok := sc.channels[o.handle]; ok {
		sc.releaseChannel(ch)
	}
	ref, bound := sc.refs.Unbind(o.handle)
	sc.objects.remove(o.handle)
	if bound {
		sc.repend(o.handle, ref)
	}
}

// repend puts properties that resolved to a released object back on the
// waiting list for ref, so a later object bound to ref resolves them again.
func (sc *SyncContext) repend(released Handle, ref view.ObjectRef) {
	holders := make([]Handle, 0, len(sc.channels))
	for h := range sc.channels {
		holders = append(holders, h)
	}
	slices.Sort(holders)

	for _, h := range holders {
		o, ok := sc.objects.get(h)
		if !ok {
			continue
		}
		ch := sc.channels[h]
		for _, l := range o.refsTo(released) {
			p, ok := o.class.At(l)
			if !ok {
				continue
			}
			v, pending, err := sc.decodeProperty(p, ch.raw[l])
			if err != nil {
				continue
			}
			o.values[l] = v
			sc.setPending(ch, l, pending)
			sc.logger.Debug("reference target released", "ref", ref, "handle", h, "property", p.Name)
		}
	}
}

// releaseChannel runs cleanup exactly once and unregisters the channel.
func (sc *SyncContext) releaseChannel(ch *Channel) {
	sc.Cleanup(ch)
	ch.outgoing.Close()
	delete(sc.channels, ch.object)
}

// GetOrCreateChannel returns the channel of a live object, creating it when
// the object has none. It returns nil for objects that are gone.
func (sc *SyncContext) GetOrCreateChannel(h Handle) *Channel {
	if ch, ok := sc.channels[h]; ok {
		return ch
	}
	o, ok := sc.objects.get(h)
	if !ok {
		return nil
	}
	if o.dormant {
		sc.wake(o)
		if ch, ok := sc.channels[h]; ok {
			return ch
		}
	}
	ref, _ := sc.refs.RefFor(h)
	return sc.newChannel(o, ref)
}

// RegisterEntityId binds a local root object to an entity, along with its
// declared sub-objects, and resolves every reference waiting on them.
func (sc *SyncContext) RegisterEntityId(e view.EntityId, h Handle) error {
	o, ok := sc.objects.get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrObjectNotFound, h)
	}
	if o.owner != NoHandle {
		return fmt.Errorf("object %d is a sub-object", h)
	}
	if other, ok := sc.GetObjectFromEntityId(e); ok && other != h {
		return fmt.Errorf("entity %s already bound to object %d", e, other)
	}

	ref := view.RootRef(e)
	sc.refs.Bind(ref, h)
	if ch, ok := sc.channels[h]; ok {
		ch.ref = ref
	} else {
		sc.newChannel(o, ref)
	}
	sc.createDeclaredSubobjects(o, e)
	sc.resolveObjectTree(o)
	return nil
}

// Deregister unbinds an entity's objects and closes their channels. The
// objects themselves stay alive.
func (sc *SyncContext) Deregister(e view.EntityId) error {
	h, ok := sc.GetObjectFromEntityId(e)
	if !ok {
		return fmt.Errorf("entity %s: %w", e, ErrNotBound)
	}
	o, ok := sc.objects.get(h)
	if !ok {
		sc.refs.Unbind(h)
		return nil
	}
	for _, obj := range sc.objectTree(o) {
		if ch, ok := sc.channels[obj.handle]; ok {
			sc.releaseChannel(ch)
		}
		sc.refs.Unbind(obj.handle)
	}
	o.importReady = false
	sc.rpc.Cancel(e)
	return nil
}

// Spawn asks the store to create an entity for a locally created object. The
// object is bound once the store assigns an id.
func (sc *SyncContext) Spawn(h Handle) error {
	o, ok := sc.objects.get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrObjectNotFound, h)
	}
	if _, bound := sc.refs.RefFor(h); bound {
		return fmt.Errorf("object %d is already bound", h)
	}

	components := []view.ComponentUpdate{{
		Id:   view.Root(view.KindMetadata),
		Data: view.Metadata{Class: o.class.Name(), StableName: o.stableName}.Blob(),
	}}
	for i, obj := range sc.objectTree(o) {
		offset := uint32(0)
		if i > 0 {
			offset = sc.offsetOf(o, obj.handle)
		}
		for _, k := range obj.class.ComponentKinds() {
			components = append(components, view.ComponentUpdate{
				Id:   view.ComponentId{Offset: offset, Kind: k},
				Data: sc.encodeComponent(obj, k),
			})
		}
	}

	return sc.conn.SendCreateEntityRequest(components, func(e view.EntityId, err error) {
		sc.post(func() {
			sc.onSpawned(h, e, err)
		})
	})
}

func (sc *SyncContext) onSpawned(h Handle, e view.EntityId, err error) {
	if err != nil {
		sc.logger.Error("entity creation failed", "handle", h, "error", err)
		return
	}
	if err := sc.RegisterEntityId(e, h); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			sc.logger.Warn("spawned object destroyed before creation completed", "handle", h, "entity", e)
			if err := sc.conn.SendDeleteEntityRequest(e, view.RetryUntilComplete); err != nil {
				sc.logger.Warn("deleting orphaned entity", "entity", e, "error", err)
			}
			return
		}
		sc.logger.Error("binding spawned entity", "handle", h, "entity", e, "error", err)
		return
	}
	if ch, ok := sc.channels[h]; ok {
		ch.createdEntity = true
	}
	sc.logger.Debug("spawned entity", "handle", h, "entity", e)
}

func (sc *SyncContext) offsetOf(root *Object, h Handle) uint32 {
	for off, sh := range root.subobjects {
		if sh == h {
			return off
		}
	}
	return 0
}
