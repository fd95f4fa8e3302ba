package replication

import (
	"sort"

	"github.com/pixil98/go-entsync/internal/view"
)

// ReferenceTable maps local handles to distributed references and keeps the
// reverse index from each unresolved reference to the objects waiting on it.
type ReferenceTable struct {
	byHandle map[Handle]view.ObjectRef
	byRef    map[view.ObjectRef]Handle
	waiting  map[view.ObjectRef]map[Handle]struct{}
}

func NewReferenceTable() *ReferenceTable {
	return &ReferenceTable{
		byHandle: make(map[Handle]view.ObjectRef),
		byRef:    make(map[view.ObjectRef]Handle),
		waiting:  make(map[view.ObjectRef]map[Handle]struct{}),
	}
}

// Bind associates a handle with a reference, replacing any previous binding
// of either side.
func (t *ReferenceTable) Bind(ref view.ObjectRef, h Handle) {
	if old, ok := t.byHandle[h]; ok {
		delete(t.byRef, old)
	}
	if old, ok := t.byRef[ref]; ok {
		delete(t.byHandle, old)
	}
	t.byHandle[h] = ref
	t.byRef[ref] = h
}

// Unbind removes the handle's binding and returns the reference it had.
func (t *ReferenceTable) Unbind(h Handle) (view.ObjectRef, bool) {
	ref, ok := t.byHandle[h]
	if !ok {
		return view.NullRef, false
	}
	delete(t.byHandle, h)
	delete(t.byRef, ref)
	return ref, true
}

func (t *ReferenceTable) ObjectFor(ref view.ObjectRef) (Handle, bool) {
	h, ok := t.byRef[ref]
	return h, ok
}

func (t *ReferenceTable) RefFor(h Handle) (view.ObjectRef, bool) {
	ref, ok := t.byHandle[h]
	return ref, ok
}

// IsResolved reports whether the reference names a bound local object.
func (t *ReferenceTable) IsResolved(ref view.ObjectRef) bool {
	_, ok := t.byRef[ref]
	return ok
}

// addWaiting records that h holds an unresolved reference to ref.
func (t *ReferenceTable) addWaiting(ref view.ObjectRef, h Handle) {
	set, ok := t.waiting[ref]
	if !ok {
		set = make(map[Handle]struct{})
		t.waiting[ref] = set
	}
	set[h] = struct{}{}
}

// removeWaiting drops one reverse edge, deleting the entry once empty.
func (t *ReferenceTable) removeWaiting(ref view.ObjectRef, h Handle) {
	set, ok := t.waiting[ref]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(t.waiting, ref)
	}
}

// Waiting returns the handles holding an unresolved reference to ref, in
// handle order.
func (t *ReferenceTable) Waiting(ref view.ObjectRef) []Handle {
	set := t.waiting[ref]
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasWaiting reports whether any reverse index entry exists for ref.
func (t *ReferenceTable) HasWaiting(ref view.ObjectRef) bool {
	_, ok := t.waiting[ref]
	return ok
}

// WaitingRefs is the number of distinct unresolved references.
func (t *ReferenceTable) WaitingRefs() int {
	return len(t.waiting)
}
