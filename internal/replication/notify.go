package replication

import (
	"github.com/pixil98/go-entsync/internal/schema"
)

// Listener receives object lifecycle and property callbacks. Every callback
// runs on the tick goroutine, after the state it reports is fully applied.
type Listener interface {
	OnRepNotify(o *Object, p *schema.Property, old Value)
	OnTornOff(o *Object)
	OnAuthorityGained(o *Object)
	OnAuthorityLost(o *Object)
	OnDestroyed(o *Object)
}

// NopListener ignores every callback.
type NopListener struct{}

func (NopListener) OnRepNotify(*Object, *schema.Property, Value) {}
func (NopListener) OnTornOff(*Object)                            {}
func (NopListener) OnAuthorityGained(*Object)                    {}
func (NopListener) OnAuthorityLost(*Object)                      {}
func (NopListener) OnDestroyed(*Object)                          {}

type notifyKind int

const (
	notifyProperty notifyKind = iota
	notifyTornOff
)

type notification struct {
	kind   notifyKind
	object Handle
	prop   *schema.Property
	old    Value
}

// notifyQueue defers callbacks to the next dispatch pass so listeners never
// observe a partially applied update.
type notifyQueue struct {
	items []notification
	// queued dedupes property notifies per object and property; the first
	// queued old value is kept.
	queued map[notifyKey]struct{}
}

type notifyKey struct {
	object  Handle
	locator schema.Locator
}

func (q *notifyQueue) property(h Handle, p *schema.Property, old Value) {
	if q.queued == nil {
		q.queued = make(map[notifyKey]struct{})
	}
	k := notifyKey{object: h, locator: p.Locator}
	if _, ok := q.queued[k]; ok {
		return
	}
	q.queued[k] = struct{}{}
	q.items = append(q.items, notification{kind: notifyProperty, object: h, prop: p, old: old})
}

func (q *notifyQueue) tornOff(h Handle) {
	q.items = append(q.items, notification{kind: notifyTornOff, object: h})
}

func (q *notifyQueue) len() int {
	return len(q.items)
}

// dispatchNotifies delivers queued callbacks for objects that are still live.
func (sc *SyncContext) dispatchNotifies() {
	items := sc.notifies.items
	sc.notifies = notifyQueue{}

	for _, n := range items {
		o, ok := sc.objects.get(n.object)
		if !ok {
			continue
		}
		switch n.kind {
		case notifyProperty:
			sc.listener.OnRepNotify(o, n.prop, n.old)
		case notifyTornOff:
			sc.listener.OnTornOff(o)
		}
	}
}
