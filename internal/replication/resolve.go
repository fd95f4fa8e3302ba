package replication

import (
	"encoding/json"

	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

// OnObjectBecameResolvable applies a newly bound object to every property
// that referenced it before it existed. Resolving the same reference again is
// a no-op.
func (sc *SyncContext) OnObjectBecameResolvable(ref view.ObjectRef) {
	target, ok := sc.refs.ObjectFor(ref)
	if !ok {
		return
	}

	for _, h := range sc.refs.Waiting(ref) {
		o, live := sc.objects.get(h)
		ch, open := sc.channels[h]
		if !live || !open {
			sc.refs.removeWaiting(ref, h)
			continue
		}

		if o.tornOff || sc.rootOf(o).tornOff {
			sc.logger.Warn("dropping reference held by torn-off object",
				"ref", ref, "handle", h)
			ch.dropPending(ref)
			sc.refs.removeWaiting(ref, h)
			continue
		}

		for _, l := range ch.locatorsWaitingOn(ref) {
			p, ok := o.class.At(l)
			if !ok {
				sc.setPending(ch, l, nil)
				continue
			}
			sc.resolveProperty(o, ch, p, ref, target)
		}

		if !ch.holdsPending(ref) {
			sc.refs.removeWaiting(ref, h)
		}
	}

	sc.rpc.OnResolved(ref)
}

// resolveProperty re-decodes one property now that ref is bound.
func (sc *SyncContext) resolveProperty(o *Object, ch *Channel, p *schema.Property, ref view.ObjectRef, target Handle) {
	raw := ch.raw[p.Locator]

	if p.Kind == schema.KindArray {
		var elems []json.RawMessage
		_ = json.Unmarshal(raw, &elems)

		size := len(o.values[p.Locator].Elems)
		if len(elems) < size {
			size = len(elems)
		}
		for _, pr := range ch.pending[p.Locator] {
			if pr.Ref == ref && pr.Index >= size {
				sc.logger.Warn("dropping reference past end of array",
					"ref", ref, "handle", o.handle, "property", p.Name,
					"index", pr.Index, "length", size)
				sc.dropPendingAt(ch, p.Locator, ref, size)
				break
			}
		}
		if !pendingOn(ch.pending[p.Locator], ref) {
			return
		}
	}

	old := o.values[p.Locator]
	v, pending, err := sc.decodeProperty(p, raw)
	if err != nil {
		sc.logger.Warn("dropping unresolvable property",
			"ref", ref, "handle", o.handle, "property", p.Name, "error", err)
		sc.setPending(ch, p.Locator, nil)
		return
	}

	o.values[p.Locator] = v
	sc.setPending(ch, p.Locator, pending)

	if p.RepNotify {
		sc.notifies.property(o.handle, p, old)
	}
	sc.logger.Debug("resolved reference", "ref", ref, "handle", o.handle, "property", p.Name, "target", target)
}

func pendingOn(refs []PendingRef, ref view.ObjectRef) bool {
	for _, pr := range refs {
		if pr.Ref == ref {
			return true
		}
	}
	return false
}

// dropPendingAt removes pending entries for ref at or past index.
func (sc *SyncContext) dropPendingAt(ch *Channel, l schema.Locator, ref view.ObjectRef, index int) {
	var kept []PendingRef
	for _, pr := range ch.pending[l] {
		if pr.Ref == ref && pr.Index >= index {
			continue
		}
		kept = append(kept, pr)
	}
	sc.setPending(ch, l, kept)
}

// resolveObjectTree resolves every reference naming the object or its
// sub-objects.
func (sc *SyncContext) resolveObjectTree(root *Object) {
	for _, o := range sc.objectTree(root) {
		if ref, ok := sc.refs.RefFor(o.handle); ok {
			sc.OnObjectBecameResolvable(ref)
		}
	}
}

// Cleanup removes a channel's entries from the reverse index. Calling it more
// than once for the same channel has no effect.
func (sc *SyncContext) Cleanup(ch *Channel) {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, ref := range ch.PendingRefs() {
		sc.refs.removeWaiting(ref, ch.object)
	}
	ch.pending = make(map[schema.Locator][]PendingRef)
}
