package view

import (
	"testing"

	"github.com/pixil98/go-testutil"
)

func blob(t *testing.T, kv ...any) PropertyBlob {
	t.Helper()
	b := PropertyBlob{}
	for i := 0; i+1 < len(kv); i += 2 {
		if err := b.Set(kv[i].(string), kv[i+1]); err != nil {
			t.Fatalf("setting %v: %v", kv[i], err)
		}
	}
	return b
}

func TestCache_Apply(t *testing.T) {
	health := ComponentId{Kind: FirstUserKind}
	armor := ComponentId{Kind: FirstUserKind + 1}

	c := NewCache()
	c.Push(NamedChangeSet{Name: "auth", Role: RoleAuthoritative, Set: &ViewChangeSet{
		Deltas: []EntityDelta{{
			Entity:          1,
			Kind:            DeltaAdded,
			ComponentsAdded: []ComponentUpdate{{Id: health, Data: blob(t, "hp", 10, "max", 20)}},
		}},
	}})

	testutil.AssertEqual(t, "visible before poll", c.HasEntity(1), false)
	sets := c.Poll()
	testutil.AssertEqual(t, "sets", len(sets), 1)
	testutil.AssertEqual(t, "visible after poll", c.HasEntity(1), true)

	c.Apply("auth", &ViewChangeSet{Deltas: []EntityDelta{{
		Entity:            1,
		Kind:              DeltaUpdated,
		ComponentsAdded:   []ComponentUpdate{{Id: armor, Data: blob(t, "ac", 3)}},
		ComponentsUpdated: []ComponentUpdate{{Id: health, Data: blob(t, "hp", 5)}},
	}}})

	b, ok := c.Component(1, health)
	testutil.AssertEqual(t, "health present", ok, true)
	var hp, maxHp int
	_, _ = b.Get("hp", &hp)
	_, _ = b.Get("max", &maxHp)
	testutil.AssertEqual(t, "hp", hp, 5)
	testutil.AssertEqual(t, "max kept", maxHp, 20)
	testutil.AssertEqual(t, "components", len(c.Components(1)), 2)

	c.Apply("auth", &ViewChangeSet{Deltas: []EntityDelta{{
		Entity:            1,
		Kind:              DeltaUpdated,
		ComponentsRemoved: []ComponentId{armor},
	}}})
	testutil.AssertEqual(t, "armor removed", c.HasComponent(1, armor), false)

	c.Apply("auth", &ViewChangeSet{Deltas: []EntityDelta{{Entity: 1, Kind: DeltaRemoved}}})
	testutil.AssertEqual(t, "entity removed", c.HasEntity(1), false)
}

func TestCache_UpdateOutsideViewIgnored(t *testing.T) {
	c := NewCache()
	c.Apply("auth", &ViewChangeSet{Deltas: []EntityDelta{{
		Entity:            9,
		Kind:              DeltaUpdated,
		ComponentsUpdated: []ComponentUpdate{{Id: Root(FirstUserKind), Data: blob(t, "x", 1)}},
	}}})
	testutil.AssertEqual(t, "entity", c.HasEntity(9), false)
}

func TestCache_MoveBetweenViews(t *testing.T) {
	health := Root(FirstUserKind)
	addSim := NamedChangeSet{Name: "sim", Role: RoleSimulated, Set: &ViewChangeSet{Deltas: []EntityDelta{{
		Entity:          1,
		Kind:            DeltaAdded,
		ComponentsAdded: []ComponentUpdate{{Id: health, Data: blob(t, "hp", 4)}},
	}}}}
	addAuth := NamedChangeSet{Name: "auth", Role: RoleAuthoritative, Set: &ViewChangeSet{Deltas: []EntityDelta{{
		Entity:          1,
		Kind:            DeltaAdded,
		ComponentsAdded: []ComponentUpdate{{Id: health, Data: blob(t, "hp", 4)}},
	}}}}
	removeSim := NamedChangeSet{Name: "sim", Role: RoleSimulated, Set: &ViewChangeSet{Deltas: []EntityDelta{{
		Entity: 1,
		Kind:   DeltaRemoved,
	}}}}

	tests := map[string]struct {
		second []NamedChangeSet
	}{
		"removal first": {
			second: []NamedChangeSet{removeSim, addAuth},
		},
		"addition first": {
			second: []NamedChangeSet{addAuth, removeSim},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := NewCache()
			c.Push(addSim)
			c.Poll()

			for _, s := range tt.second {
				c.Push(s)
			}
			c.Poll()

			testutil.AssertEqual(t, "entity", c.HasEntity(1), true)
			testutil.AssertEqual(t, "component", c.HasComponent(1, health), true)
			views := c.Views(1)
			testutil.AssertEqual(t, "views", len(views), 1)
			testutil.AssertEqual(t, "view", views[0], "auth")

			c.Apply("auth", &ViewChangeSet{Deltas: []EntityDelta{{Entity: 1, Kind: DeltaRemoved}}})
			testutil.AssertEqual(t, "entity after last removal", c.HasEntity(1), false)
		})
	}
}

func TestDecodeMetadata(t *testing.T) {
	tests := map[string]struct {
		blob   PropertyBlob
		exp    Metadata
		expErr string
	}{
		"class only": {
			blob: Metadata{Class: "Pawn"}.Blob(),
			exp:  Metadata{Class: "Pawn"},
		},
		"stable": {
			blob: Metadata{Class: "Door", StableName: "level/door-1"}.Blob(),
			exp:  Metadata{Class: "Door", StableName: "level/door-1"},
		},
		"missing class": {
			blob:   PropertyBlob{},
			expErr: "no class",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeMetadata(tt.blob)
			if tt.expErr != "" {
				testutil.AssertErrorContains(t, err, tt.expErr)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			testutil.AssertEqual(t, "class", got.Class, tt.exp.Class)
			testutil.AssertEqual(t, "stable name", got.StableName, tt.exp.StableName)
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	testutil.AssertEqual(t, "attempt 2", p.Exhausted(2), false)
	testutil.AssertEqual(t, "attempt 3", p.Exhausted(3), true)
	testutil.AssertEqual(t, "until complete", RetryUntilComplete.Exhausted(1000), false)
}
