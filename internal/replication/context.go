package replication

import (
	"log/slog"
	"sync"

	"github.com/pixil98/go-entsync/internal/changelist"
	"github.com/pixil98/go-entsync/internal/rpc"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

const (
	// DefaultTearOffDelay is how many ticks a torn-off object outlives its
	// channel, so late property updates still land on a live object.
	DefaultTearOffDelay = 1
)

type authorityKey struct {
	entity view.EntityId
	set    view.ComponentSet
}

// SyncContext is all synchronization state of one simulation node. It is owned
// by the node's driver and passed to every core operation; nothing in this
// package keeps global state. Apart from completions posted by the connection,
// it is not safe for concurrent use.
type SyncContext struct {
	registry *schema.Registry
	view     view.View
	conn     view.Connection
	listener Listener
	logger   *slog.Logger

	nodeType     schema.NodeType
	historyCap   int
	tearOffDelay uint64

	refs      *ReferenceTable
	objects   *arena
	channels  map[Handle]*Channel
	authority map[authorityKey]view.AuthorityState
	stable    map[string]Handle
	notifies  notifyQueue

	// seen tracks components of dynamic sub-objects that are not complete yet.
	seen       map[view.EntityId]map[uint32]map[view.ComponentKind]struct{}
	membership map[view.EntityId]map[string]view.Role
	deferred   map[view.EntityId]retireRequest
	tearOffs   []scheduledDestroy
	demoted    map[view.EntityId]struct{}
	interest   interestQueue

	rpc     *rpc.Subsystem
	rpcOpts []rpc.Opt

	// inboxMu guards inbox, which collects completions from transport
	// goroutines until the next Advance.
	inboxMu sync.Mutex
	inbox   []func()

	tick uint64
}

type SyncOpt func(*SyncContext)

// WithLogger sets the logger used for everything the sync core reports.
func WithLogger(l *slog.Logger) SyncOpt {
	return func(sc *SyncContext) {
		sc.logger = l
	}
}

// WithListener sets the callbacks invoked on lifecycle and property events.
func WithListener(l Listener) SyncOpt {
	return func(sc *SyncContext) {
		sc.listener = l
	}
}

// WithNodeType sets which component groups this node expects to receive.
func WithNodeType(n schema.NodeType) SyncOpt {
	return func(sc *SyncContext) {
		sc.nodeType = n
	}
}

// WithMaxChangeHistory caps each channel's change-list history.
func WithMaxChangeHistory(n int) SyncOpt {
	return func(sc *SyncContext) {
		sc.historyCap = n
	}
}

// WithTearOffDelay sets how many ticks torn-off objects survive their channel.
func WithTearOffDelay(ticks uint64) SyncOpt {
	return func(sc *SyncContext) {
		if ticks < 1 {
			ticks = 1
		}
		sc.tearOffDelay = ticks
	}
}

// WithRpcOpts passes options through to the remote call subsystem.
func WithRpcOpts(opts ...rpc.Opt) SyncOpt {
	return func(sc *SyncContext) {
		sc.rpcOpts = append(sc.rpcOpts, opts...)
	}
}

func NewSyncContext(reg *schema.Registry, v view.View, conn view.Connection, opts ...SyncOpt) *SyncContext {
	sc := &SyncContext{
		registry:     reg,
		view:         v,
		conn:         conn,
		listener:     NopListener{},
		logger:       slog.Default(),
		nodeType:     schema.NodeServer,
		historyCap:   changelist.DefaultMaxHistory,
		tearOffDelay: DefaultTearOffDelay,
		refs:         NewReferenceTable(),
		objects:      newArena(),
		channels:     make(map[Handle]*Channel),
		authority:    make(map[authorityKey]view.AuthorityState),
		stable:       make(map[string]Handle),
		seen:         make(map[view.EntityId]map[uint32]map[view.ComponentKind]struct{}),
		membership:   make(map[view.EntityId]map[string]view.Role),
		deferred:     make(map[view.EntityId]retireRequest),
		demoted:      make(map[view.EntityId]struct{}),
	}

	for _, opt := range opts {
		opt(sc)
	}

	rpcOpts := append([]rpc.Opt{
		rpc.WithLogger(sc.logger),
		rpc.WithNodeType(sc.nodeType),
	}, sc.rpcOpts...)
	sc.rpc = rpc.NewSubsystem(conn, sc, sc.refs, rpcOpts...)

	return sc
}

// Calls exposes the remote call subsystem.
func (sc *SyncContext) Calls() *rpc.Subsystem {
	return sc.rpc
}

// post queues fn to run on the tick goroutine at the start of the next
// Advance. It is safe to call from any goroutine.
func (sc *SyncContext) post(fn func()) {
	sc.inboxMu.Lock()
	defer sc.inboxMu.Unlock()
	sc.inbox = append(sc.inbox, fn)
}

func (sc *SyncContext) drainInbox() {
	sc.inboxMu.Lock()
	items := sc.inbox
	sc.inbox = nil
	sc.inboxMu.Unlock()

	for _, fn := range items {
		fn()
	}
}

// References exposes the reference table.
func (sc *SyncContext) References() *ReferenceTable {
	return sc.refs
}

// Object returns a live object by handle.
func (sc *SyncContext) Object(h Handle) (*Object, bool) {
	return sc.objects.get(h)
}

// Channel returns the channel of a live object.
func (sc *SyncContext) Channel(h Handle) (*Channel, bool) {
	ch, ok := sc.channels[h]
	return ch, ok
}

// GetObjectFromEntityId returns the root object bound to an entity.
func (sc *SyncContext) GetObjectFromEntityId(e view.EntityId) (Handle, bool) {
	return sc.refs.ObjectFor(view.RootRef(e))
}

// Tick is the number of completed Advance calls.
func (sc *SyncContext) Tick() uint64 {
	return sc.tick
}

// ObjectCount is the number of live objects.
func (sc *SyncContext) ObjectCount() int {
	return sc.objects.len()
}

// HasAuthority reports the last observed authority over a component set.
func (sc *SyncContext) HasAuthority(e view.EntityId, set view.ComponentSet) bool {
	return sc.authority[authorityKey{entity: e, set: set}] == view.Authoritative
}

// isOwned reports whether this node sees the entity as owned by its client.
func (sc *SyncContext) isOwned(e view.EntityId) bool {
	return sc.HasAuthority(e, view.ClientAuthority)
}

// rootOf returns the root object of h, which may be h itself.
func (sc *SyncContext) rootOf(o *Object) *Object {
	if o.owner == NoHandle {
		return o
	}
	if root, ok := sc.objects.get(o.owner); ok {
		return root
	}
	return o
}

// entityOf returns the entity an object is bound to.
func (sc *SyncContext) entityOf(h Handle) (view.EntityId, bool) {
	ref, ok := sc.refs.RefFor(h)
	if !ok {
		return view.InvalidEntityId, false
	}
	return ref.Entity, true
}

// setPending replaces a property's pending references and keeps the reverse
// index in step.
func (sc *SyncContext) setPending(ch *Channel, l schema.Locator, refs []PendingRef) {
	old := ch.pending[l]
	if len(refs) == 0 {
		delete(ch.pending, l)
	} else {
		ch.pending[l] = refs
	}

	for _, p := range old {
		if !ch.holdsPending(p.Ref) {
			sc.refs.removeWaiting(p.Ref, ch.object)
		}
	}
	for _, p := range refs {
		sc.refs.addWaiting(p.Ref, ch.object)
	}
}

// newChannel creates and registers the channel for a live object.
func (sc *SyncContext) newChannel(o *Object, ref view.ObjectRef) *Channel {
	ch := newChannel(o.handle, ref, sc.historyCap)
	ch.serverAuthoritative = sc.HasAuthority(ref.Entity, view.ServerAuthority)
	ch.clientAuthoritative = sc.HasAuthority(ref.Entity, view.ClientAuthority)
	sc.channels[o.handle] = ch
	return ch
}
