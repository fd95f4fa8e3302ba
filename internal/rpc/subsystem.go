package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-entsync/internal/view"
)

const (
	DefaultRingCapacity = 32
	DefaultMaxAttempts  = 5
)

// Authority reports this node's last observed authority.
type Authority interface {
	HasAuthority(view.EntityId, view.ComponentSet) bool
}

// Resolver reports whether a reference names a locally bound object.
type Resolver interface {
	IsResolved(view.ObjectRef) bool
}

type ringKey struct {
	entity view.EntityId
	kind   Kind
}

// parkedCall is a call held until its target resolves or authority allows it.
// seq keeps submission order across targets.
type parkedCall struct {
	call *Call
	seq  uint64
}

type crossCall struct {
	call     *Call
	attempts int
	// due is the flush at which a failed send is retried.
	due uint64
}

// Subsystem queues outbound calls until they can be delivered under the
// current authority, writes them into per-entity ring buffers, and delivers
// inbound calls to a handler. It is driven from the tick goroutine.
type Subsystem struct {
	conn     view.Connection
	auth     Authority
	resolver Resolver
	logger   *slog.Logger
	handler  Handler

	nodeType    schema.NodeType
	capacity    int
	maxAttempts int
	overflow    OverflowPolicy

	rings      map[ringKey]*ring
	overflowed map[ringKey][]*Call
	waiting    map[view.ObjectRef][]parkedCall
	parked     uint64
	unreliable map[view.EntityId][]*Call
	unrelSeq   map[view.EntityId]uint64
	inflight   map[view.RequestId]*crossCall
	resend     []*crossCall
	received   map[ringKey]uint64
	acks       map[view.EntityId]uint64

	flushes uint64
}

type Opt func(*Subsystem)

func WithLogger(l *slog.Logger) Opt {
	return func(s *Subsystem) {
		s.logger = l
	}
}

func WithNodeType(n schema.NodeType) Opt {
	return func(s *Subsystem) {
		s.nodeType = n
	}
}

// WithRingCapacity bounds each per-entity ring buffer.
func WithRingCapacity(n int) Opt {
	return func(s *Subsystem) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithMaxAttempts bounds how often a cross-server call is sent.
func WithMaxAttempts(n int) Opt {
	return func(s *Subsystem) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithOverflowPolicy sets what happens to reliable calls when their ring is full.
func WithOverflowPolicy(p OverflowPolicy) Opt {
	return func(s *Subsystem) {
		s.overflow = p
	}
}

// WithHandler sets the function executing inbound calls.
func WithHandler(h Handler) Opt {
	return func(s *Subsystem) {
		s.handler = h
	}
}

func NewSubsystem(conn view.Connection, auth Authority, resolver Resolver, opts ...Opt) *Subsystem {
	s := &Subsystem{
		conn:        conn,
		auth:        auth,
		resolver:    resolver,
		logger:      slog.Default(),
		handler:     func(view.ObjectRef, string, json.RawMessage) {},
		capacity:    DefaultRingCapacity,
		maxAttempts: DefaultMaxAttempts,
		rings:       make(map[ringKey]*ring),
		overflowed:  make(map[ringKey][]*Call),
		waiting:     make(map[view.ObjectRef][]parkedCall),
		unreliable:  make(map[view.EntityId][]*Call),
		unrelSeq:    make(map[view.EntityId]uint64),
		inflight:    make(map[view.RequestId]*crossCall),
		received:    make(map[ringKey]uint64),
		acks:        make(map[view.EntityId]uint64),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// sides returns the component sets this node writes calls of kind k into and,
// for acknowledged kinds, the set acknowledgements come from.
func (s *Subsystem) sides(k Kind) (send, ack view.ComponentSet, acked bool) {
	switch k {
	case KindMulticast:
		return view.ServerAuthority, 0, false
	case KindCrossServer:
		return 0, 0, false
	}
	if s.nodeType == schema.NodeClient {
		send, ack = view.ClientAuthority, view.ServerAuthority
	} else {
		send, ack = view.ServerAuthority, view.ClientAuthority
	}
	return send, ack, k == KindReliable
}

// ready reports whether a call can be dispatched now.
func (s *Subsystem) ready(c *Call) (bool, error) {
	if c.Kind == KindCrossServer {
		return true, nil
	}

	e := c.Target.Entity
	send, ack, acked := s.sides(c.Kind)
	if acked && s.auth.HasAuthority(e, send) && s.auth.HasAuthority(e, ack) {
		return false, fmt.Errorf("%w: entity %s", ErrOwnershipConflict, e)
	}
	if !s.resolver.IsResolved(c.Target) {
		return false, nil
	}
	return s.auth.HasAuthority(e, send), nil
}

// Send submits a call. Calls whose target is not resolved yet, or whose entity
// this node cannot write calls to yet, wait until both hold.
func (s *Subsystem) Send(c *Call) error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.Kind == KindMulticast && s.nodeType == schema.NodeClient {
		return fmt.Errorf("%w: %s from %s", ErrUnsupportedRouting, c.Kind, s.nodeType)
	}
	if c.Id == uuid.Nil {
		c.Id = uuid.New()
	}

	ok, err := s.ready(c)
	if err != nil {
		s.logger.Error("refusing call", "call", c.Id, "function", c.Function, "target", c.Target, "error", err)
		return err
	}
	if !ok {
		s.parked++
		s.park(parkedCall{call: c, seq: s.parked})
		return nil
	}

	s.dispatch(c)
	return nil
}

func (s *Subsystem) dispatch(c *Call) {
	e := c.Target.Entity

	switch c.Kind {
	case KindCrossServer:
		s.sendCommand(&crossCall{call: c})

	case KindUnreliable:
		s.unreliable[e] = append(s.unreliable[e], c)

	case KindMulticast:
		if evicted, _ := s.ring(ringKey{entity: e, kind: c.Kind}).push(c); evicted != nil {
			s.logger.Warn("multicast ring overwrote unsent call", "entity", e, "call", evicted.Id)
			evicted.finish(ErrRingFull)
		}

	case KindReliable:
		key := ringKey{entity: e, kind: c.Kind}
		r := s.ring(key)
		if len(s.overflowed[key]) == 0 {
			if _, ok := r.push(c); ok {
				return
			}
		}
		if s.overflow == OverflowDrop {
			s.logger.Warn("dropping call, ring buffer full", "entity", e, "call", c.Id, "function", c.Function)
			c.finish(ErrRingFull)
			return
		}
		s.overflowed[key] = append(s.overflowed[key], c)
	}
}

func (s *Subsystem) ring(key ringKey) *ring {
	r, ok := s.rings[key]
	if !ok {
		r = newRing(s.capacity, key.kind == KindMulticast)
		s.rings[key] = r
	}
	return r
}

func (s *Subsystem) sendCommand(cc *crossCall) {
	cc.attempts++
	payload, err := json.Marshal(toWire(0, cc.call))
	if err != nil {
		cc.call.finish(fmt.Errorf("encoding call: %w", err))
		return
	}

	id, err := s.conn.SendCommandRequest(cc.call.Target.Entity, payload, view.RetryPolicy{MaxAttempts: 1})
	if err != nil {
		s.failAttempt(cc, err)
		return
	}
	s.inflight[id] = cc
}

// failAttempt schedules a retry with a growing delay, or fails the call once
// it has used every attempt.
func (s *Subsystem) failAttempt(cc *crossCall, cause error) {
	if cc.attempts >= s.maxAttempts {
		s.logger.Error("call failed",
			"call", cc.call.Id, "function", cc.call.Function, "target", cc.call.Target,
			"attempts", cc.attempts, "error", cause)
		cc.call.finish(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, cc.attempts, cause))
		return
	}
	cc.due = s.flushes + uint64(cc.attempts)
	s.resend = append(s.resend, cc)
}

// OnResolved dispatches waiting calls that target ref.
func (s *Subsystem) OnResolved(ref view.ObjectRef) {
	parked, ok := s.waiting[ref]
	if !ok {
		return
	}
	delete(s.waiting, ref)
	s.retry(parked)
}

func (s *Subsystem) park(p parkedCall) {
	s.waiting[p.call.Target] = append(s.waiting[p.call.Target], p)
}

// retryAll retries every waiting call in submission order.
func (s *Subsystem) retryAll() {
	if len(s.waiting) == 0 {
		return
	}
	var parked []parkedCall
	for _, q := range s.waiting {
		parked = append(parked, q...)
	}
	sort.Slice(parked, func(i, j int) bool { return parked[i].seq < parked[j].seq })
	s.waiting = make(map[view.ObjectRef][]parkedCall)
	s.retry(parked)
}

func (s *Subsystem) retry(parked []parkedCall) {
	for _, p := range parked {
		c := p.call
		ok, err := s.ready(c)
		if err != nil {
			s.logger.Error("refusing call", "call", c.Id, "function", c.Function, "target", c.Target, "error", err)
			c.finish(err)
			continue
		}
		if !ok {
			s.park(p)
			continue
		}
		s.dispatch(c)
	}
}

// Acknowledge releases reliable calls the receiver has executed. The payload
// carries the highest executed sequence number.
func (s *Subsystem) Acknowledge(e view.EntityId, blob view.PropertyBlob) {
	var seq uint64
	if found, err := blob.Get("reliable", &seq); err != nil || !found {
		if err != nil {
			s.logger.Warn("malformed rpc acknowledgement", "entity", e, "error", err)
		}
		return
	}

	key := ringKey{entity: e, kind: KindReliable}
	r, ok := s.rings[key]
	if !ok {
		return
	}
	for _, c := range r.ack(seq) {
		c.finish(nil)
	}
	s.refill(key)
}

func (s *Subsystem) refill(key ringKey) {
	queued := s.overflowed[key]
	if len(queued) == 0 {
		return
	}
	r := s.ring(key)
	n := 0
	for n < len(queued) && !r.full() {
		r.push(queued[n])
		n++
	}
	if n == len(queued) {
		delete(s.overflowed, key)
	} else {
		s.overflowed[key] = queued[n:]
	}
}

// Receive executes the calls in an inbound ring buffer component that have
// not been executed yet. Reliable calls are acknowledged on the next flush.
func (s *Subsystem) Receive(e view.EntityId, comp view.ComponentKind, blob view.PropertyBlob) {
	kind, ok := kindForComponent(comp)
	if !ok {
		return
	}

	var calls []wireCall
	if _, err := blob.Get("calls", &calls); err != nil {
		s.logger.Warn("malformed rpc component", "entity", e, "kind", kind, "error", err)
		return
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Seq < calls[j].Seq })

	key := ringKey{entity: e, kind: kind}
	last := s.received[key]
	for _, c := range calls {
		if c.Seq <= last {
			continue
		}
		s.handler(view.ObjectRef{Entity: e, Offset: c.Offset}, c.Function, c.Payload)
		last = c.Seq
	}
	s.received[key] = last

	if kind == KindReliable && last > 0 {
		s.acks[e] = last
	}
}

// Flush completes command responses, dispatches calls that became ready, and
// writes every changed ring buffer and pending acknowledgement.
func (s *Subsystem) Flush(ctx context.Context) {
	s.flushes++

	s.drainResponses(ctx)
	s.drainResend()
	s.retryAll()
	for key := range s.overflowed {
		s.refill(key)
	}

	s.writeRings(ctx)
	s.writeUnreliable(ctx)
	s.writeAcks(ctx)
}

func (s *Subsystem) drainResponses(ctx context.Context) {
	for _, resp := range s.conn.CommandResponses() {
		cc, ok := s.inflight[resp.Request]
		if !ok {
			continue
		}
		delete(s.inflight, resp.Request)

		switch {
		case resp.Status == view.CommandSuccess:
			cc.call.finish(nil)
		case resp.Status.Retryable():
			s.failAttempt(cc, fmt.Errorf("%w: %s", view.ErrCommandTimeout, resp.Message))
		default:
			s.logger.ErrorContext(ctx, "call rejected",
				"call", cc.call.Id, "function", cc.call.Function, "target", cc.call.Target, "message", resp.Message)
			cc.call.finish(fmt.Errorf("%w: %s", view.ErrCommandRejected, resp.Message))
		}
	}
}

func (s *Subsystem) drainResend() {
	resend := s.resend
	s.resend = nil
	for _, cc := range resend {
		if cc.due > s.flushes {
			s.resend = append(s.resend, cc)
			continue
		}
		s.sendCommand(cc)
	}
}

func (s *Subsystem) writeRings(ctx context.Context) {
	keys := make([]ringKey, 0, len(s.rings))
	for key, r := range s.rings {
		if r.dirty {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entity != keys[j].entity {
			return keys[i].entity < keys[j].entity
		}
		return keys[i].kind < keys[j].kind
	})

	for _, key := range keys {
		r := s.rings[key]
		if err := s.conn.SendComponentUpdate(key.entity, view.Root(key.kind.component()), r.blob()); err != nil {
			s.logger.WarnContext(ctx, "writing rpc ring buffer", "entity", key.entity, "kind", key.kind, "error", err)
			continue
		}
		fresh := r.markWritten()
		if key.kind == KindMulticast {
			for _, c := range fresh {
				c.finish(nil)
			}
		}
	}
}

func (s *Subsystem) writeUnreliable(ctx context.Context) {
	for _, e := range sortedEntities(s.unreliable) {
		calls := s.unreliable[e]
		wire := make([]wireCall, len(calls))
		for i, c := range calls {
			s.unrelSeq[e]++
			wire[i] = toWire(s.unrelSeq[e], c)
		}
		blob := view.PropertyBlob{}
		_ = blob.Set("calls", wire)

		err := s.conn.SendComponentUpdate(e, view.Root(view.KindRpcUnreliable), blob)
		if err != nil {
			s.logger.WarnContext(ctx, "dropping unreliable calls", "entity", e, "count", len(calls), "error", err)
		}
		for _, c := range calls {
			c.finish(err)
		}
		delete(s.unreliable, e)
	}
}

func (s *Subsystem) writeAcks(ctx context.Context) {
	for e, seq := range s.acks {
		blob := view.PropertyBlob{}
		_ = blob.Set("reliable", seq)
		if err := s.conn.SendComponentUpdate(e, view.Root(view.KindRpcAck), blob); err != nil {
			s.logger.WarnContext(ctx, "writing rpc acknowledgement", "entity", e, "error", err)
			continue
		}
		delete(s.acks, e)
	}
}

// Cancel fails every outstanding call targeting the entity and forgets its
// inbound state. No completion for the entity fires afterwards.
func (s *Subsystem) Cancel(e view.EntityId) {
	var cancelled []*Call

	for key, r := range s.rings {
		if key.entity == e {
			cancelled = append(cancelled, r.calls()...)
			delete(s.rings, key)
		}
	}
	for key, q := range s.overflowed {
		if key.entity == e {
			cancelled = append(cancelled, q...)
			delete(s.overflowed, key)
		}
	}
	for key := range s.received {
		if key.entity == e {
			delete(s.received, key)
		}
	}

	for ref, q := range s.waiting {
		if ref.Entity != e {
			continue
		}
		for _, p := range q {
			cancelled = append(cancelled, p.call)
		}
		delete(s.waiting, ref)
	}

	for id, cc := range s.inflight {
		if cc.call.Target.Entity == e {
			cancelled = append(cancelled, cc.call)
			delete(s.inflight, id)
		}
	}
	resend := s.resend[:0]
	for _, cc := range s.resend {
		if cc.call.Target.Entity == e {
			cancelled = append(cancelled, cc.call)
		} else {
			resend = append(resend, cc)
		}
	}
	s.resend = resend

	cancelled = append(cancelled, s.unreliable[e]...)
	delete(s.unreliable, e)
	delete(s.unrelSeq, e)
	delete(s.acks, e)

	for _, c := range cancelled {
		c.finish(ErrCancelled)
	}
	if len(cancelled) > 0 {
		s.logger.Debug("cancelled calls", "entity", e, "count", len(cancelled))
	}
}

// Pending is the number of calls in the entity's ring buffer of kind k.
func (s *Subsystem) Pending(e view.EntityId, k Kind) int {
	if r, ok := s.rings[ringKey{entity: e, kind: k}]; ok {
		return len(r.entries)
	}
	return 0
}

// Overflowed is the number of reliable calls queued behind a full ring.
func (s *Subsystem) Overflowed(e view.EntityId) int {
	return len(s.overflowed[ringKey{entity: e, kind: KindReliable}])
}

// Waiting is the number of calls held for resolution or authority.
func (s *Subsystem) Waiting() int {
	n := 0
	for _, q := range s.waiting {
		n += len(q)
	}
	return n
}

// WaitingOn is the number of calls held for ref specifically.
func (s *Subsystem) WaitingOn(ref view.ObjectRef) int {
	return len(s.waiting[ref])
}

// Inflight is the number of cross-server calls awaiting a response or retry.
func (s *Subsystem) Inflight() int {
	return len(s.inflight) + len(s.resend)
}

func sortedEntities(m map[view.EntityId][]*Call) []view.EntityId {
	out := make([]view.EntityId, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
