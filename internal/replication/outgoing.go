package replication

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pixil98/go-entsync/internal/changelist"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

// writable reports whether this node may write properties of group g on ch.
func (sc *SyncContext) writable(ch *Channel, g schema.GroupFilter) bool {
	if g == schema.GroupClient {
		return sc.nodeType == schema.NodeClient && ch.clientAuthoritative
	}
	return sc.nodeType == schema.NodeServer && ch.serverAuthoritative
}

// replicateOutgoing sends the properties changed since the previous tick on
// every channel this node may write. Values equal to the last one sent are
// skipped, except on the first send of an entity this node created.
func (sc *SyncContext) replicateOutgoing() {
	handles := make([]Handle, 0, len(sc.channels))
	for h, ch := range sc.channels {
		if !ch.ref.IsNull() {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, h := range handles {
		ch := sc.channels[h]
		o, ok := sc.objects.get(h)
		if !ok {
			continue
		}
		changes := ch.outgoing.Merge()
		if o.tornOff {
			continue
		}
		sc.sendChanges(o, ch, changes)
	}
}

func (sc *SyncContext) sendChanges(o *Object, ch *Channel, changes changelist.ChangeSet) {
	initial := ch.createdEntity && !ch.sentInitial

	var props []*schema.Property
	if initial {
		props = o.class.Properties()
	} else {
		for _, l := range changes.Locators() {
			if p, ok := o.class.At(l); ok {
				props = append(props, p)
			}
		}
	}

	blobs := map[view.ComponentKind]view.PropertyBlob{}
	sent := map[schema.Locator]json.RawMessage{}
	anyWritable := false

	for _, p := range props {
		if !sc.writable(ch, p.Group) {
			continue
		}
		anyWritable = true

		v, ok := o.values[p.Locator]
		if !ok {
			continue
		}
		raw := encodeValue(p, v)
		if !initial && bytes.Equal(raw, ch.shadow[p.Locator]) {
			continue
		}

		blob, ok := blobs[p.Component]
		if !ok {
			blob = view.PropertyBlob{}
			blobs[p.Component] = blob
		}
		blob[p.Name] = raw
		sent[p.Locator] = raw
	}

	if initial && anyWritable {
		ch.sentInitial = true
	}

	kinds := make([]view.ComponentKind, 0, len(blobs))
	for k := range blobs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, k := range kinds {
		blob := blobs[k]
		id := view.ComponentId{Offset: ch.ref.Offset, Kind: k}
		if err := sc.conn.SendComponentUpdate(ch.ref.Entity, id, blob); err != nil {
			sc.logger.Warn("sending component update", "entity", ch.ref.Entity, "component", id, "error", err)
			var retry []changelist.Change
			for _, name := range blob.Keys() {
				if p, ok := o.class.Property(name); ok {
					retry = append(retry, changelist.Whole(p.Locator))
				}
			}
			ch.record(retry...)
			continue
		}
		for _, name := range blob.Keys() {
			if p, ok := o.class.Property(name); ok {
				ch.shadow[p.Locator] = cloneRaw(sent[p.Locator])
			}
		}
	}
}

// encodeComponent builds the full payload of one component from an object's
// stored values.
func (sc *SyncContext) encodeComponent(o *Object, k view.ComponentKind) view.PropertyBlob {
	blob := view.PropertyBlob{}
	for _, p := range o.class.ComponentProperties(k) {
		if v, ok := o.values[p.Locator]; ok {
			blob[p.Name] = cloneRaw(encodeValue(p, v))
		}
	}
	return blob
}
