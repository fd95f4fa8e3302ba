package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pixil98/go-entsync/internal/view"
	"github.com/pixil98/go-testutil"
)

func pawnClass() *Class {
	return &Class{
		Components: []ComponentSpec{
			{
				Kind:  view.FirstUserKind,
				Group: GroupStatic,
				Properties: []PropertySpec{
					{Name: "health", Kind: KindScalar, RepNotify: true},
					{Name: "target", Kind: KindObjectRef},
				},
			},
			{
				Kind:  view.FirstUserKind + 1,
				Group: GroupOwnerOnly,
				Properties: []PropertySpec{
					{Name: "ammo", Kind: KindScalar},
				},
			},
			{
				Kind:  view.FirstUserKind + 2,
				Group: GroupServerOnly,
				Properties: []PropertySpec{
					{Name: "squad", Kind: KindArray, Element: KindObjectRef},
				},
			},
		},
		SubObjects: []SubObjectSpec{
			{Name: "weapon", Class: NewRef[*Class]("Weapon")},
			{Name: "armor", Class: NewRef[*Class]("Armor")},
		},
	}
}

func gearClass(kind view.ComponentKind) *Class {
	return &Class{
		Components: []ComponentSpec{{
			Kind:       kind,
			Properties: []PropertySpec{{Name: "durability", Kind: KindScalar}},
		}},
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(MapStore[*Class]{
		"Pawn":   pawnClass(),
		"Weapon": gearClass(view.FirstUserKind + 10),
		"Armor":  gearClass(view.FirstUserKind + 11),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pawn, ok := reg.Class("Pawn")
	testutil.AssertEqual(t, "pawn found", ok, true)
	testutil.AssertEqual(t, "name", pawn.Name(), "Pawn")
	testutil.AssertEqual(t, "properties", len(pawn.Properties()), 4)

	health, _ := pawn.Property("health")
	testutil.AssertEqual(t, "health locator", health.Locator, Locator(1))
	squad, _ := pawn.Property("squad")
	testutil.AssertEqual(t, "squad locator", squad.Locator, Locator(4))
	testutil.AssertEqual(t, "squad holds refs", squad.HoldsRefs(), true)
	testutil.AssertEqual(t, "health holds refs", health.HoldsRefs(), false)

	at, ok := pawn.At(2)
	testutil.AssertEqual(t, "at 2", at.Name, "target")
	_, ok = pawn.At(0)
	testutil.AssertEqual(t, "at 0", ok, false)

	armorOffset, _ := pawn.SubObjectOffset("armor")
	weaponOffset, _ := pawn.SubObjectOffset("weapon")
	testutil.AssertEqual(t, "armor offset", armorOffset, uint32(1))
	testutil.AssertEqual(t, "weapon offset", weaponOffset, uint32(2))
	testutil.AssertEqual(t, "dynamic base", pawn.DynamicOffsetBase(), uint32(3))
	testutil.AssertEqual(t, "weapon resolved", pawn.SubObjects[1].Class.Get().Name(), "Weapon")

	byKind, ok := reg.ClassForKind(view.FirstUserKind + 11)
	testutil.AssertEqual(t, "by kind", byKind.Name(), "Armor")
}

func TestNewRegistry_Errors(t *testing.T) {
	tests := map[string]struct {
		store  MapStore[*Class]
		expErr string
	}{
		"missing subobject class": {
			store:  MapStore[*Class]{"Pawn": pawnClass(), "Weapon": gearClass(view.FirstUserKind + 10)},
			expErr: `Class "Armor" not found`,
		},
		"shared component kind": {
			store: MapStore[*Class]{
				"Weapon": gearClass(view.FirstUserKind + 10),
				"Armor":  gearClass(view.FirstUserKind + 10),
			},
			expErr: "claimed by Armor and Weapon",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(tt.store)
			testutil.AssertErrorContains(t, err, tt.expErr)
		})
	}
}

func TestClass_ExpectedKinds(t *testing.T) {
	c := pawnClass()
	if err := c.build("Pawn"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := map[string]struct {
		node  NodeType
		owned bool
		exp   int
	}{
		"server":          {node: NodeServer, exp: 3},
		"owning client":   {node: NodeClient, owned: true, exp: 2},
		"observer client": {node: NodeClient, exp: 1},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, "expected kinds", len(c.ExpectedKinds(tt.node, tt.owned)), tt.exp)
		})
	}
}

func TestClass_Validate(t *testing.T) {
	c := &Class{Components: []ComponentSpec{
		{Kind: view.KindMetadata},
		{Kind: view.FirstUserKind, Properties: []PropertySpec{{Name: "grid", Kind: KindArray, Element: KindArray}}},
	}}
	err := c.Validate()
	testutil.AssertErrorContains(t, err, "reserved")
	testutil.AssertErrorContains(t, err, "unsupported array element kind")
}

func TestFileStore_LoadsClasses(t *testing.T) {
	tmpDir := t.TempDir()

	doc := Document[*Class]{
		Version:    1,
		Identifier: "Weapon",
		Spec:       gearClass(view.FirstUserKind + 10),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("failed to marshal document: %v", err)
	}
	err = os.WriteFile(filepath.Join(tmpDir, "weapon.json"), data, 0644)
	if err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	err = os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("ignore me"), 0644)
	if err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	store, err := NewFileStore[*Class](tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	testutil.AssertEqual(t, "records", len(store.GetAll()), 1)

	reg, err := NewRegistry(store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	weapon, ok := reg.Class("Weapon")
	testutil.AssertEqual(t, "found", ok, true)
	testutil.AssertEqual(t, "properties", len(weapon.Properties()), 1)
}

func TestFileStore_InvalidDocument(t *testing.T) {
	tests := map[string]struct {
		body   string
		expErr string
	}{
		"bad json": {
			body:   `{invalid json`,
			expErr: "unmarshalling document",
		},
		"missing version": {
			body:   `{"id":"Weapon","spec":{"components":[]}}`,
			expErr: "version must be set",
		},
		"missing spec": {
			body:   `{"version":1,"id":"Weapon"}`,
			expErr: "spec must be set",
		},
		"bad property kind": {
			body:   `{"version":1,"id":"Weapon","spec":{"components":[{"kind":100,"properties":[{"name":"x","kind":"blob"}]}]}}`,
			expErr: "unknown property kind",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tmpDir := t.TempDir()
			err := os.WriteFile(filepath.Join(tmpDir, "doc.json"), []byte(tt.body), 0644)
			if err != nil {
				t.Fatalf("failed to write test file: %v", err)
			}

			_, err = NewFileStore[*Class](tmpDir)
			testutil.AssertErrorContains(t, err, tt.expErr)
		})
	}
}
