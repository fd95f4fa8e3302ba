package replication

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pixil98/go-entsync/internal/changelist"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

var nullRaw = json.RawMessage("null")

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), nullRaw)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// decodeProperty converts a property's encoded value into its stored form.
// References to objects not yet available locally come back as pending.
func (sc *SyncContext) decodeProperty(p *schema.Property, raw json.RawMessage) (Value, []PendingRef, error) {
	switch p.Kind {
	case schema.KindScalar, schema.KindStruct:
		return Value{Raw: cloneRaw(raw)}, nil, nil

	case schema.KindObjectRef:
		rv, pending, err := sc.decodeRef(raw, -1)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Ref: rv}, pending, nil

	case schema.KindArray:
		if isNull(raw) {
			return Value{}, nil, nil
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return Value{}, nil, fmt.Errorf("%w: %s is not an array: %v", ErrPropertyType, p.Name, err)
		}
		v := Value{Elems: make([]Value, len(elems))}
		var pending []PendingRef
		for i, e := range elems {
			if p.Element != schema.KindObjectRef {
				v.Elems[i] = Value{Raw: cloneRaw(e)}
				continue
			}
			rv, pend, err := sc.decodeRef(e, i)
			if err != nil {
				return Value{}, nil, err
			}
			v.Elems[i] = Value{Ref: rv}
			pending = append(pending, pend...)
		}
		return v, pending, nil

	default:
		return Value{}, nil, fmt.Errorf("%w: %s has kind %s", ErrPropertyType, p.Name, p.Kind)
	}
}

func (sc *SyncContext) decodeRef(raw json.RawMessage, index int) (RefValue, []PendingRef, error) {
	var ref view.ObjectRef
	if !isNull(raw) {
		if err := json.Unmarshal(raw, &ref); err != nil {
			return RefValue{}, nil, fmt.Errorf("%w: decoding object reference: %v", ErrPropertyType, err)
		}
	}
	if ref.IsNull() {
		return RefValue{}, nil, nil
	}
	if h, ok := sc.refs.ObjectFor(ref); ok {
		return RefValue{Target: ref, Object: h}, nil, nil
	}
	return RefValue{Target: ref}, []PendingRef{{Ref: ref, Index: index}}, nil
}

// encodeValue is the inverse of decodeProperty.
func encodeValue(p *schema.Property, v Value) json.RawMessage {
	switch p.Kind {
	case schema.KindObjectRef:
		return encodeRef(v.Ref)
	case schema.KindArray:
		if v.Elems == nil {
			return nullRaw
		}
		elems := make([]json.RawMessage, len(v.Elems))
		for i, e := range v.Elems {
			if p.Element == schema.KindObjectRef {
				elems[i] = encodeRef(e.Ref)
			} else if len(e.Raw) == 0 {
				elems[i] = nullRaw
			} else {
				elems[i] = e.Raw
			}
		}
		raw, _ := json.Marshal(elems)
		return raw
	default:
		if len(v.Raw) == 0 {
			return nullRaw
		}
		return v.Raw
	}
}

func encodeRef(rv RefValue) json.RawMessage {
	if rv.Target.IsNull() {
		return nullRaw
	}
	raw, _ := json.Marshal(rv.Target)
	return raw
}

// diffChange describes how a property moved from old to cur.
func diffChange(p *schema.Property, old Value, had bool, cur Value) changelist.Change {
	if p.Kind != schema.KindArray || !had {
		return changelist.Whole(p.Locator)
	}
	var changed []int
	for i := range cur.Elems {
		if i >= len(old.Elems) || !bytes.Equal(encodeElem(p, old.Elems[i]), encodeElem(p, cur.Elems[i])) {
			changed = append(changed, i)
		}
	}
	return changelist.Elements(p.Locator, len(cur.Elems), changed...)
}

func encodeElem(p *schema.Property, v Value) json.RawMessage {
	if p.Element == schema.KindObjectRef {
		return encodeRef(v.Ref)
	}
	return v.Raw
}

// applyProperty decodes and stores one property, replacing its pending
// references. It returns the previous value and whether one existed.
func (sc *SyncContext) applyProperty(o *Object, ch *Channel, p *schema.Property, raw json.RawMessage) (Value, bool, error) {
	v, pending, err := sc.decodeProperty(p, raw)
	if err != nil {
		return Value{}, false, err
	}

	old, had := o.values[p.Locator]
	o.values[p.Locator] = v
	ch.raw[p.Locator] = cloneRaw(raw)
	sc.setPending(ch, p.Locator, pending)
	return old, had, nil
}

// applyIncoming writes a received component onto an object. Writes are
// unconditional; the shadow buffer is brought up to date so the values are not
// echoed back out.
func (sc *SyncContext) applyIncoming(o *Object, ch *Channel, kind view.ComponentKind, blob view.PropertyBlob) {
	var changes []changelist.Change

	for _, name := range blob.Keys() {
		p, ok := o.class.Property(name)
		if !ok || p.Component != kind {
			sc.logger.Warn("dropping unknown property",
				"class", o.class.Name(), "component", kind, "property", name)
			continue
		}

		raw := blob[name]
		old, had, err := sc.applyProperty(o, ch, p, raw)
		if err != nil {
			sc.logger.Warn("dropping undecodable property",
				"class", o.class.Name(), "property", name, "error", err)
			continue
		}

		changes = append(changes, diffChange(p, old, had, o.values[p.Locator]))
		ch.shadow[p.Locator] = cloneRaw(encodeValue(p, o.values[p.Locator]))

		if p.RepNotify && (!had || !bytes.Equal(encodeValue(p, old), encodeValue(p, o.values[p.Locator]))) {
			sc.notifies.property(o.handle, p, old)
		}
	}

	ch.record(changes...)
}

// SetProperty writes a property on the local side and records the change for
// the send path. Object-reference properties accept a Handle, a
// view.ObjectRef, or a slice of either for arrays; anything else is encoded
// as JSON.
func (sc *SyncContext) SetProperty(h Handle, name string, v any) error {
	o, ok := sc.objects.get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrObjectNotFound, h)
	}
	p, ok := o.class.Property(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, o.class.Name(), name)
	}

	raw, err := sc.encodeInput(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	ch := sc.GetOrCreateChannel(h)
	old, had, err := sc.applyProperty(o, ch, p, raw)
	if err != nil {
		return err
	}
	ch.record(diffChange(p, old, had, o.values[p.Locator]))
	return nil
}

func (sc *SyncContext) encodeInput(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case Handle:
		return sc.refToRaw(t)
	case []Handle:
		elems := make([]json.RawMessage, len(t))
		for i, h := range t {
			raw, err := sc.refToRaw(h)
			if err != nil {
				return nil, err
			}
			elems[i] = raw
		}
		return json.Marshal(elems)
	default:
		return json.Marshal(v)
	}
}

func (sc *SyncContext) refToRaw(h Handle) (json.RawMessage, error) {
	if h == NoHandle {
		return nullRaw, nil
	}
	ref, ok := sc.refs.RefFor(h)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotBound, h)
	}
	return json.Marshal(ref)
}

// ResizeArray truncates or null-pads an array property in place. Pending
// references to elements past the new end are left for resolution to discard.
func (sc *SyncContext) ResizeArray(h Handle, name string, n int) error {
	o, ok := sc.objects.get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrObjectNotFound, h)
	}
	p, ok := o.class.Property(name)
	if !ok || p.Kind != schema.KindArray {
		return fmt.Errorf("%w: %s.%s is not an array", ErrUnknownProperty, o.class.Name(), name)
	}
	if n < 0 {
		n = 0
	}

	v := o.values[p.Locator]
	elems := make([]Value, n)
	copy(elems, v.Elems)
	o.values[p.Locator] = Value{Elems: elems}

	ch := sc.GetOrCreateChannel(h)
	ch.raw[p.Locator] = cloneRaw(encodeValue(p, o.values[p.Locator]))
	ch.record(changelist.Elements(p.Locator, n))
	return nil
}
