package replication

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/pixil98/go-entsync/internal/rpc"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
	"github.com/pixil98/go-testutil"
)

func TestStableObject_Binds(t *testing.T) {
	h := newHarness(t)

	stable, err := h.sc.RegisterStableObject("gate", "Beacon")
	testutil.AssertEqual(t, "register error", err, nil)

	_, err = h.sc.RegisterStableObject("gate", "Beacon")
	testutil.AssertErrorContains(t, err, "already registered")

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity:          4,
		Kind:            view.DeltaAdded,
		ComponentsAdded: []view.ComponentUpdate{metadata("Beacon", "gate"), comp(0, kindBeacon, "signal", 9)},
	}))
	h.tick()

	o := h.object(4)
	testutil.AssertEqual(t, "handle", o.Handle(), stable)
	testutil.AssertEqual(t, "kind", o.Kind(), KindStable)
	testutil.AssertEqual(t, "stable name", o.StableName(), "gate")
	testutil.AssertEqual(t, "import ready", o.ImportReady(), true)
}

func TestStableObject_ClassMismatch(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sc.RegisterStableObject("gate", "Pawn"); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.cache.Apply("auth", &view.ViewChangeSet{Deltas: deltas(view.EntityDelta{
		Entity:          4,
		Kind:            view.DeltaAdded,
		ComponentsAdded: []view.ComponentUpdate{metadata("Beacon", "gate")},
	})})

	_, err := h.sc.Materialize(4)
	testutil.AssertErrorContains(t, err, "not Beacon")
}

func TestStableObject_Tombstoned(t *testing.T) {
	h := newHarness(t)

	stable, err := h.sc.RegisterStableObject("gate", "Beacon")
	testutil.AssertEqual(t, "register error", err, nil)

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity: 4,
		Kind:   view.DeltaAdded,
		ComponentsAdded: []view.ComponentUpdate{
			metadata("Beacon", "gate"),
			comp(0, view.KindTombstone),
		},
	}))
	h.tick()

	_, live := h.sc.Object(stable)
	testutil.AssertEqual(t, "stable live", live, false)
	_, bound := h.sc.GetObjectFromEntityId(4)
	testutil.AssertEqual(t, "bound", bound, false)
	testutil.AssertEqual(t, "destroyed", h.events.count("destroyed:1"), 1)
	testutil.AssertEqual(t, "no warning", h.logs.count(slog.LevelWarn, "materializing entity"), 0)
}

func TestRetire(t *testing.T) {
	tests := map[string]struct {
		isStartup    bool
		needsTearOff bool

		expDeletes   int
		expTombstone int
		expTornOff   int
		expLive      bool
	}{
		"delete": {
			expDeletes: 1,
		},
		"startup": {
			isStartup:    true,
			expTombstone: 1,
		},
		"tear off": {
			needsTearOff: true,
			expTornOff:   1,
			expLive:      true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.push("auth", view.RoleAuthoritative, deltas(added(1, "Beacon")), gain(1, view.ServerAuthority))
			h.tick()
			hd := h.object(1).Handle()

			err := h.sc.Retire(1, tt.isStartup, tt.needsTearOff)
			testutil.AssertEqual(t, "error", err, nil)

			testutil.AssertEqual(t, "deletes", len(h.conn.deletes), tt.expDeletes)
			testutil.AssertEqual(t, "tombstones", len(h.conn.adds), tt.expTombstone)
			testutil.AssertEqual(t, "tear-off broadcasts", len(h.conn.updatesFor(view.KindTornOff)), tt.expTornOff)

			_, live := h.sc.Object(hd)
			testutil.AssertEqual(t, "live", live, tt.expLive)
		})
	}
}

func TestRetire_TearOffNotifiesBeforeDestroy(t *testing.T) {
	h := newHarness(t)
	h.push("auth", view.RoleAuthoritative, deltas(added(1, "Beacon")), gain(1, view.ServerAuthority))
	h.tick()
	h.events.reset()

	if err := h.sc.Retire(1, false, true); err != nil {
		t.Fatalf("retire: %v", err)
	}
	testutil.AssertEqual(t, "torn off", h.object(1).TornOff(), true)

	h.tick()
	testutil.AssertEqual(t, "events", h.events.String(), "tornoff:1,destroyed:1")
}

func TestRetire_TearOffCancelsCalls(t *testing.T) {
	tests := map[string]struct {
		tearOff func(t *testing.T, h *harness)
	}{
		"retired locally": {
			tearOff: func(t *testing.T, h *harness) {
				if err := h.sc.Retire(1, false, true); err != nil {
					t.Fatalf("retire: %v", err)
				}
			},
		},
		"torn off remotely": {
			tearOff: func(t *testing.T, h *harness) {
				h.push("auth", view.RoleAuthoritative, deltas(updated(1, comp(0, view.KindTornOff, "torn_off", true))))
				h.tick()
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.push("auth", view.RoleAuthoritative, deltas(added(1, "Beacon")), gain(1, view.ServerAuthority))
			h.tick()

			var callErr error
			err := h.sc.Calls().Send(&rpc.Call{
				Target:   view.RootRef(1),
				Kind:     rpc.KindReliable,
				Function: "ping",
				Done:     func(err error) { callErr = err },
			})
			testutil.AssertEqual(t, "send error", err, nil)
			testutil.AssertEqual(t, "queued", h.sc.Calls().Pending(1, rpc.KindReliable), 1)

			tt.tearOff(t, h)

			testutil.AssertEqual(t, "torn off", h.object(1).TornOff(), true)
			testutil.AssertEqual(t, "call cancelled", errors.Is(callErr, rpc.ErrCancelled), true)
			testutil.AssertEqual(t, "ring cleared", h.sc.Calls().Pending(1, rpc.KindReliable), 0)
		})
	}
}

func TestRetire_DeferredUntilAuthority(t *testing.T) {
	h := newHarness(t)
	h.push("auth", view.RoleAuthoritative, deltas(added(1, "Beacon")))
	h.tick()

	err := h.sc.Retire(1, false, false)
	testutil.AssertEqual(t, "error", err, nil)
	testutil.AssertEqual(t, "pending", h.sc.RetirePending(1), true)
	testutil.AssertEqual(t, "deletes before authority", len(h.conn.deletes), 0)

	h.push("auth", view.RoleAuthoritative, nil, gain(1, view.ServerAuthority))
	h.tick()

	testutil.AssertEqual(t, "pending", h.sc.RetirePending(1), false)
	testutil.AssertEqual(t, "deletes", len(h.conn.deletes), 1)
	testutil.AssertEqual(t, "deleted entity", h.conn.deletes[0], view.EntityId(1))
	testutil.AssertEqual(t, "object count", h.sc.ObjectCount(), 0)
	testutil.AssertEqual(t, "gained not reported", h.events.count("gained:1"), 0)
}

func TestSpawn(t *testing.T) {
	h := newHarness(t)

	hd, err := h.sc.CreateObject("Pawn")
	testutil.AssertEqual(t, "create error", err, nil)
	o, _ := h.sc.Object(hd)
	testutil.AssertEqual(t, "role", o.Role(), RoleAuthority)
	testutil.AssertEqual(t, "subobjects", len(o.Subobjects()), 1)

	if err := h.sc.SetProperty(hd, "health", 50); err != nil {
		t.Fatalf("set health: %v", err)
	}
	if err := h.sc.Spawn(hd); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	testutil.AssertEqual(t, "create requests", len(h.conn.creates), 1)
	comps := h.conn.creates[0]
	testutil.AssertEqual(t, "component count", len(comps), 4)
	testutil.AssertEqual(t, "metadata first", comps[0].Id, view.Root(view.KindMetadata))
	testutil.AssertEqual(t, "weapon offset", comps[3].Id, view.ComponentId{Offset: 1, Kind: kindWeapon})
	testutil.AssertEqual(t, "health payload", string(comps[1].Data["health"]), "50")

	h.conn.createCb(42, nil)
	h.tick()

	bound, ok := h.sc.GetObjectFromEntityId(42)
	testutil.AssertEqual(t, "bound", ok, true)
	testutil.AssertEqual(t, "bound handle", bound, hd)
	weapon, ok := h.sc.References().ObjectFor(view.ObjectRef{Entity: 42, Offset: 1})
	testutil.AssertEqual(t, "weapon bound", ok, true)
	testutil.AssertEqual(t, "weapon handle", weapon, o.Subobjects()[0])

	ch, _ := h.sc.Channel(hd)
	testutil.AssertEqual(t, "created entity", ch.CreatedEntity(), true)
	testutil.AssertEqual(t, "nothing sent without authority", len(h.conn.updates), 0)

	h.push("auth", view.RoleAuthoritative, nil, gain(42, view.ServerAuthority))
	h.tick()

	sent := h.conn.updatesFor(kindPawn)
	testutil.AssertEqual(t, "initial send", len(sent), 1)
	testutil.AssertEqual(t, "initial entity", sent[0].entity, view.EntityId(42))
	testutil.AssertEqual(t, "initial health", string(sent[0].blob["health"]), "50")

	h.tick()
	testutil.AssertEqual(t, "sent once", len(h.conn.updatesFor(kindPawn)), 1)
}

func TestSpawn_DestroyedBeforeCompletion(t *testing.T) {
	h := newHarness(t)

	hd, err := h.sc.CreateObject("Beacon")
	testutil.AssertEqual(t, "create error", err, nil)
	if err := h.sc.Spawn(hd); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.sc.Destroy(hd)

	h.conn.createCb(43, nil)
	h.tick()

	testutil.AssertEqual(t, "deletes", len(h.conn.deletes), 1)
	testutil.AssertEqual(t, "deleted entity", h.conn.deletes[0], view.EntityId(43))
	testutil.AssertEqual(t, "warning", h.logs.count(slog.LevelWarn, "spawned object destroyed before creation completed"), 1)
}

func TestSpawn_Failed(t *testing.T) {
	h := newHarness(t)

	hd, _ := h.sc.CreateObject("Beacon")
	if err := h.sc.Spawn(hd); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.conn.createCb(view.InvalidEntityId, errors.New("store full"))
	h.tick()

	_, bound := h.sc.References().RefFor(hd)
	testutil.AssertEqual(t, "bound", bound, false)
	testutil.AssertEqual(t, "error logged", h.logs.count(slog.LevelError, "entity creation failed"), 1)
}

func TestDestroy(t *testing.T) {
	h := newHarness(t)
	h.push("auth", view.RoleAuthoritative, deltas(added(1, "Pawn")), gain(1, view.ServerAuthority))
	h.tick()

	o := h.object(1)
	weapon := o.Subobjects()[0]

	var callErr error
	err := h.sc.Calls().Send(&rpc.Call{
		Target:   view.RootRef(1),
		Kind:     rpc.KindReliable,
		Function: "fire",
		Done:     func(err error) { callErr = err },
	})
	testutil.AssertEqual(t, "send error", err, nil)
	testutil.AssertEqual(t, "queued", h.sc.Calls().Pending(1, rpc.KindReliable), 1)

	h.sc.Destroy(weapon)
	_, live := h.sc.Object(weapon)
	testutil.AssertEqual(t, "weapon live", live, false)
	testutil.AssertEqual(t, "root subobjects", len(o.Subobjects()), 0)
	testutil.AssertEqual(t, "root live", h.sc.ObjectCount(), 1)

	h.sc.Destroy(o.Handle())
	h.sc.Destroy(o.Handle())

	testutil.AssertEqual(t, "object count", h.sc.ObjectCount(), 0)
	testutil.AssertEqual(t, "root destroyed once", h.events.count("destroyed:1"), 1)
	testutil.AssertEqual(t, "call cancelled", errors.Is(callErr, rpc.ErrCancelled), true)
	testutil.AssertEqual(t, "ring cleared", h.sc.Calls().Pending(1, rpc.KindReliable), 0)
	testutil.AssertEqual(t, "already destroyed", h.logs.count(slog.LevelDebug, "object already destroyed"), 1)

	ch := h.sc.GetOrCreateChannel(o.Handle())
	testutil.AssertEqual(t, "no channel for destroyed object", ch == nil, true)
}

func TestDynamicSubobject(t *testing.T) {
	tests := map[string]struct {
		nodeType       schema.NodeType
		attachedOnBase bool
	}{
		"server waits for owner-only component": {
			nodeType:       schema.NodeServer,
			attachedOnBase: false,
		},
		"client attaches without owner-only component": {
			nodeType:       schema.NodeClient,
			attachedOnBase: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, WithNodeType(tt.nodeType))
			h.push("auth", view.RoleAuthoritative, deltas(added(1, "Pawn")))
			h.tick()
			root := h.object(1)

			h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
				Entity:          1,
				Kind:            view.DeltaUpdated,
				ComponentsAdded: []view.ComponentUpdate{comp(2, kindGadget, "charge", 5)},
			}))
			h.tick()

			_, attached := root.Subobject(2)
			testutil.AssertEqual(t, "attached on base component", attached, tt.attachedOnBase)

			h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
				Entity:          1,
				Kind:            view.DeltaUpdated,
				ComponentsAdded: []view.ComponentUpdate{comp(2, kindGadgetSecret, "secret", "x")},
			}))
			h.tick()

			sh, attached := root.Subobject(2)
			testutil.AssertEqual(t, "attached", attached, true)
			sub, _ := h.sc.Object(sh)
			testutil.AssertEqual(t, "class", sub.Class().Name(), "Gadget")
			testutil.AssertEqual(t, "owner", sub.Owner(), root.Handle())
			var charge int
			if err := sub.Scalar("charge", &charge); err != nil {
				t.Fatalf("reading charge: %v", err)
			}
			testutil.AssertEqual(t, "charge", charge, 5)

			h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
				Entity:            1,
				Kind:              view.DeltaUpdated,
				ComponentsRemoved: []view.ComponentId{{Offset: 2, Kind: kindGadget}},
			}))
			h.tick()

			_, attached = root.Subobject(2)
			testutil.AssertEqual(t, "detached", attached, false)
			_, live := h.sc.Object(sh)
			testutil.AssertEqual(t, "sub live", live, false)
		})
	}
}

func TestDynamicSubobject_ArrivalLedger(t *testing.T) {
	h := newHarness(t)
	h.push("auth", view.RoleAuthoritative, deltas(added(1, "Pawn")))
	h.tick()
	root := h.object(1)

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity:          1,
		Kind:            view.DeltaUpdated,
		ComponentsAdded: []view.ComponentUpdate{comp(2, kindGadget, "charge", 5)},
	}))
	h.tick()
	_, recorded := h.sc.seen[1][2][kindGadget]
	testutil.AssertEqual(t, "base component recorded", recorded, true)

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity:            1,
		Kind:              view.DeltaUpdated,
		ComponentsRemoved: []view.ComponentId{{Offset: 2, Kind: kindGadget}},
	}))
	h.tick()
	_, pending := h.sc.seen[1]
	testutil.AssertEqual(t, "ledger cleared", pending, false)

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity:          1,
		Kind:            view.DeltaUpdated,
		ComponentsAdded: []view.ComponentUpdate{comp(2, kindGadgetSecret, "secret", "x")},
	}))
	h.tick()
	_, attached := root.Subobject(2)
	testutil.AssertEqual(t, "attached without base component", attached, false)

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity:          1,
		Kind:            view.DeltaUpdated,
		ComponentsAdded: []view.ComponentUpdate{comp(2, kindGadget, "charge", 6)},
	}))
	h.tick()
	_, attached = root.Subobject(2)
	testutil.AssertEqual(t, "attached", attached, true)
	_, pending = h.sc.seen[1]
	testutil.AssertEqual(t, "ledger released", pending, false)
}

func TestDynamicSubobject_PresentAtMaterialize(t *testing.T) {
	h := newHarness(t)
	h.push("auth", view.RoleAuthoritative, deltas(added(1, "Pawn",
		comp(2, kindGadget, "charge", 1),
		comp(2, kindGadgetSecret, "secret", "y"),
	)))
	h.tick()

	sh, ok := h.object(1).Subobject(2)
	testutil.AssertEqual(t, "attached", ok, true)
	ref, _ := h.sc.References().RefFor(sh)
	testutil.AssertEqual(t, "ref", ref, view.ObjectRef{Entity: 1, Offset: 2})
}

func TestDormancy(t *testing.T) {
	h := newHarness(t)
	h.push("auth", view.RoleAuthoritative, deltas(added(1, "Pawn", comp(0, kindPawn, "health", 1))))
	h.tick()
	o := h.object(1)

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity:          1,
		Kind:            view.DeltaUpdated,
		ComponentsAdded: []view.ComponentUpdate{comp(0, view.KindDormant)},
	}))
	h.tick()

	testutil.AssertEqual(t, "dormant", o.Dormant(), true)
	_, open := h.sc.Channel(o.Handle())
	testutil.AssertEqual(t, "channel open", open, false)
	testutil.AssertEqual(t, "object live", h.sc.ObjectCount(), 2)

	h.push("auth", view.RoleAuthoritative, deltas(view.EntityDelta{
		Entity:            1,
		Kind:              view.DeltaUpdated,
		ComponentsUpdated: []view.ComponentUpdate{comp(0, kindPawn, "health", 7)},
		ComponentsRemoved: []view.ComponentId{view.Root(view.KindDormant)},
	}))
	h.tick()

	testutil.AssertEqual(t, "dormant", o.Dormant(), false)
	_, open = h.sc.Channel(o.Handle())
	testutil.AssertEqual(t, "channel open", open, true)
	var health int
	if err := o.Scalar("health", &health); err != nil {
		t.Fatalf("reading health: %v", err)
	}
	testutil.AssertEqual(t, "health", health, 7)
}

func TestDormancy_LocalWake(t *testing.T) {
	h := newHarness(t)
	h.push("auth", view.RoleAuthoritative, deltas(added(1, "Beacon", comp(0, view.KindDormant))))
	h.tick()
	o := h.object(1)
	testutil.AssertEqual(t, "dormant", o.Dormant(), true)

	ch := h.sc.GetOrCreateChannel(o.Handle())
	testutil.AssertEqual(t, "channel", ch != nil, true)
	testutil.AssertEqual(t, "dormant", o.Dormant(), false)
	testutil.AssertEqual(t, "channel ref", ch.Ref(), view.RootRef(1))
}

func TestRegisterEntityId(t *testing.T) {
	h := newHarness(t)
	a, _ := h.sc.CreateObject("Beacon")
	b, _ := h.sc.CreateObject("Beacon")

	testutil.AssertEqual(t, "bind a", h.sc.RegisterEntityId(5, a), nil)
	testutil.AssertErrorContains(t, h.sc.RegisterEntityId(5, b), "already bound")
	testutil.AssertErrorContains(t, h.sc.RegisterEntityId(6, Handle(99)), "object not found")

	testutil.AssertEqual(t, "deregister", h.sc.Deregister(5), nil)
	_, bound := h.sc.GetObjectFromEntityId(5)
	testutil.AssertEqual(t, "bound", bound, false)
	_, live := h.sc.Object(a)
	testutil.AssertEqual(t, "still live", live, true)
	testutil.AssertErrorContains(t, h.sc.Deregister(5), "no entity reference")
}
