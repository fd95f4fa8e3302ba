package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

const (
	kindPawn         = view.FirstUserKind
	kindPawnInput    = view.FirstUserKind + 1
	kindWeapon       = view.FirstUserKind + 10
	kindGadget       = view.FirstUserKind + 20
	kindGadgetSecret = view.FirstUserKind + 21
	kindBeacon       = view.FirstUserKind + 30
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()

	reg, err := schema.NewRegistry(schema.MapStore[*schema.Class]{
		"Pawn": &schema.Class{
			Components: []schema.ComponentSpec{
				{
					Kind:  kindPawn,
					Group: schema.GroupStatic,
					Properties: []schema.PropertySpec{
						{Name: "health", Kind: schema.KindScalar, RepNotify: true},
						{Name: "target", Kind: schema.KindObjectRef, RepNotify: true},
						{Name: "squad", Kind: schema.KindArray, Element: schema.KindObjectRef},
					},
				},
				{
					Kind:  kindPawnInput,
					Group: schema.GroupClient,
					Properties: []schema.PropertySpec{
						{Name: "input", Kind: schema.KindScalar},
					},
				},
			},
			SubObjects: []schema.SubObjectSpec{
				{Name: "weapon", Class: schema.NewRef[*schema.Class]("Weapon")},
			},
		},
		"Weapon": &schema.Class{
			Components: []schema.ComponentSpec{{
				Kind:       kindWeapon,
				Properties: []schema.PropertySpec{{Name: "durability", Kind: schema.KindScalar}},
			}},
		},
		"Gadget": &schema.Class{
			Components: []schema.ComponentSpec{
				{
					Kind:       kindGadget,
					Group:      schema.GroupStatic,
					Properties: []schema.PropertySpec{{Name: "charge", Kind: schema.KindScalar}},
				},
				{
					Kind:       kindGadgetSecret,
					Group:      schema.GroupOwnerOnly,
					Properties: []schema.PropertySpec{{Name: "secret", Kind: schema.KindScalar}},
				},
			},
		},
		"Beacon": &schema.Class{
			Components: []schema.ComponentSpec{{
				Kind:       kindBeacon,
				Properties: []schema.PropertySpec{{Name: "signal", Kind: schema.KindScalar}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	return reg
}

type sentComponent struct {
	entity view.EntityId
	id     view.ComponentId
	blob   view.PropertyBlob
}

type fakeConn struct {
	updates     []sentComponent
	adds        []sentComponent
	removes     []sentComponent
	deletes     []view.EntityId
	creates     [][]view.ComponentUpdate
	createCb    view.CreateEntityCallback
	failUpdates bool
	nextReq     view.RequestId
}

func (c *fakeConn) SendComponentUpdate(e view.EntityId, id view.ComponentId, b view.PropertyBlob) error {
	if c.failUpdates {
		return errors.New("connection lost")
	}
	c.updates = append(c.updates, sentComponent{entity: e, id: id, blob: b})
	return nil
}

func (c *fakeConn) SendAddComponent(e view.EntityId, id view.ComponentId, b view.PropertyBlob) error {
	c.adds = append(c.adds, sentComponent{entity: e, id: id, blob: b})
	return nil
}

func (c *fakeConn) SendRemoveComponent(e view.EntityId, id view.ComponentId) error {
	c.removes = append(c.removes, sentComponent{entity: e, id: id})
	return nil
}

func (c *fakeConn) SendDeleteEntityRequest(e view.EntityId, _ view.RetryPolicy) error {
	c.deletes = append(c.deletes, e)
	return nil
}

func (c *fakeConn) SendCreateEntityRequest(comps []view.ComponentUpdate, cb view.CreateEntityCallback) error {
	c.creates = append(c.creates, comps)
	c.createCb = cb
	return nil
}

func (c *fakeConn) SendCommandRequest(view.EntityId, json.RawMessage, view.RetryPolicy) (view.RequestId, error) {
	c.nextReq++
	return c.nextReq, nil
}

func (c *fakeConn) CommandResponses() []view.CommandResponse {
	return nil
}

// updatesFor returns the component updates sent for one kind.
func (c *fakeConn) updatesFor(k view.ComponentKind) []sentComponent {
	var out []sentComponent
	for _, u := range c.updates {
		if u.id.Kind == k {
			out = append(out, u)
		}
	}
	return out
}

// recorder logs every listener callback as "event:handle[:property]".
type recorder struct {
	events []string
}

func (r *recorder) OnRepNotify(o *Object, p *schema.Property, _ Value) {
	r.events = append(r.events, fmt.Sprintf("repnotify:%d:%s", o.Handle(), p.Name))
}

func (r *recorder) OnTornOff(o *Object) {
	r.events = append(r.events, fmt.Sprintf("tornoff:%d", o.Handle()))
}

func (r *recorder) OnAuthorityGained(o *Object) {
	r.events = append(r.events, fmt.Sprintf("gained:%d", o.Handle()))
}

func (r *recorder) OnAuthorityLost(o *Object) {
	r.events = append(r.events, fmt.Sprintf("lost:%d", o.Handle()))
}

func (r *recorder) OnDestroyed(o *Object) {
	r.events = append(r.events, fmt.Sprintf("destroyed:%d", o.Handle()))
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) String() string {
	return strings.Join(r.events, ",")
}

func (r *recorder) reset() {
	r.events = nil
}

type logEntry struct {
	level slog.Level
	msg   string
}

// logRecorder is a slog.Handler keeping every record it is given.
type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *logRecorder) Enabled(context.Context, slog.Level) bool {
	return true
}

func (l *logRecorder) Handle(_ context.Context, r slog.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: r.Level, msg: r.Message})
	return nil
}

func (l *logRecorder) WithAttrs([]slog.Attr) slog.Handler {
	return l
}

func (l *logRecorder) WithGroup(string) slog.Handler {
	return l
}

func (l *logRecorder) count(level slog.Level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	cache  *view.Cache
	conn   *fakeConn
	events *recorder
	logs   *logRecorder
	sc     *SyncContext
	node   *Node
}

func newHarness(t *testing.T, opts ...SyncOpt) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		cache:  view.NewCache(),
		conn:   &fakeConn{},
		events: &recorder{},
		logs:   &logRecorder{},
	}

	opts = append([]SyncOpt{
		WithLogger(slog.New(h.logs)),
		WithListener(h.events),
	}, opts...)
	h.sc = NewSyncContext(testRegistry(t), h.cache, h.conn, opts...)
	h.node = NewNode(h.sc, h.cache)
	return h
}

// push queues a change set from the named view for the next tick.
func (h *harness) push(name string, role view.Role, deltas []view.EntityDelta, auth ...view.AuthorityChange) {
	h.cache.Push(view.NamedChangeSet{
		Name: name,
		Role: role,
		Set:  &view.ViewChangeSet{Deltas: deltas, Authority: auth},
	})
}

func (h *harness) tick() {
	h.t.Helper()
	if err := h.node.Tick(context.Background()); err != nil {
		h.t.Fatalf("tick: %v", err)
	}
}

// object returns the live root object bound to an entity.
func (h *harness) object(e view.EntityId) *Object {
	h.t.Helper()
	hd, ok := h.sc.GetObjectFromEntityId(e)
	if !ok {
		h.t.Fatalf("entity %d not bound", e)
	}
	o, ok := h.sc.Object(hd)
	if !ok {
		h.t.Fatalf("object %d not live", hd)
	}
	return o
}

func blob(kv ...any) view.PropertyBlob {
	b := view.PropertyBlob{}
	for i := 0; i+1 < len(kv); i += 2 {
		_ = b.Set(kv[i].(string), kv[i+1])
	}
	return b
}

func comp(offset uint32, k view.ComponentKind, kv ...any) view.ComponentUpdate {
	return view.ComponentUpdate{
		Id:   view.ComponentId{Offset: offset, Kind: k},
		Data: blob(kv...),
	}
}

func metadata(class, stableName string) view.ComponentUpdate {
	return view.ComponentUpdate{
		Id:   view.Root(view.KindMetadata),
		Data: view.Metadata{Class: class, StableName: stableName}.Blob(),
	}
}

func added(e view.EntityId, class string, comps ...view.ComponentUpdate) view.EntityDelta {
	return view.EntityDelta{
		Entity:          e,
		Kind:            view.DeltaAdded,
		ComponentsAdded: append([]view.ComponentUpdate{metadata(class, "")}, comps...),
	}
}

func removed(e view.EntityId) view.EntityDelta {
	return view.EntityDelta{Entity: e, Kind: view.DeltaRemoved}
}

func updated(e view.EntityId, comps ...view.ComponentUpdate) view.EntityDelta {
	return view.EntityDelta{Entity: e, Kind: view.DeltaUpdated, ComponentsUpdated: comps}
}

func gain(e view.EntityId, set view.ComponentSet) view.AuthorityChange {
	return view.AuthorityChange{Entity: e, Set: set, State: view.Authoritative}
}

func loss(e view.EntityId, set view.ComponentSet) view.AuthorityChange {
	return view.AuthorityChange{Entity: e, Set: set, State: view.NotAuthoritative}
}

func deltas(d ...view.EntityDelta) []view.EntityDelta {
	return d
}
