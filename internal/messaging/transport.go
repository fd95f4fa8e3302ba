package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pixil98/go-entsync/internal/view"
)

const DefaultRequestTimeout = 2 * time.Second

var (
	_ view.Connection = (*Transport)(nil)
	_ view.Source     = (*Transport)(nil)
)

// Transport connects a node to the entity store over NATS. Writes are
// published as they are made; incoming view change sets and request
// completions are buffered until the tick polls for them.
type Transport struct {
	nodeID   string
	url      string
	subjects *Subjects
	cache    *view.Cache

	requestTimeout time.Duration

	conn  atomic.Pointer[nats.Conn]
	ready chan struct{}

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextRequest atomic.Int64

	mu        sync.Mutex
	responses []view.CommandResponse
	created   []createResult
}

type createResult struct {
	cb     view.CreateEntityCallback
	entity view.EntityId
	err    error
}

type TransportOpt func(*Transport)

// WithRequestTimeout bounds a single request attempt.
func WithRequestTimeout(d time.Duration) TransportOpt {
	return func(t *Transport) {
		t.requestTimeout = d
	}
}

// WithSubjects overrides the default subject templates.
func WithSubjects(s *Subjects) TransportOpt {
	return func(t *Transport) {
		t.subjects = s
	}
}

func NewTransport(nodeID, url string, cache *view.Cache, opts ...TransportOpt) (*Transport, error) {
	t := &Transport{
		nodeID:         nodeID,
		url:            url,
		cache:          cache,
		requestTimeout: DefaultRequestTimeout,
		ready:          make(chan struct{}),
	}
	t.base, t.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(t)
	}

	if t.subjects == nil {
		s, err := NewSubjects("", "", "")
		if err != nil {
			return nil, err
		}
		t.subjects = s
	}

	return t, nil
}

func (t *Transport) Start(ctx context.Context) error {
	defer t.cancel()

	conn, err := nats.Connect(t.url,
		nats.Name(t.nodeID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", t.url, err)
	}
	defer conn.Close()

	subject, err := t.subjects.Views(t.nodeID)
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(subject, t.handleView)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if conn.IsConnected() {
		if err := conn.Flush(); err != nil {
			return fmt.Errorf("flushing subscription: %w", err)
		}
	}

	t.conn.Store(conn)
	close(t.ready)
	slog.InfoContext(ctx, "transport started", "url", t.url, "node", t.nodeID, "views", subject)

	<-ctx.Done()
	t.conn.Store(nil)
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	_ = sub.Unsubscribe()
	t.wg.Wait()

	return nil
}

// Ready is closed once the view subscription is in place.
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// Poll delivers completed create requests, then returns the view change sets
// received since the previous call. It must be called from the tick.
func (t *Transport) Poll() []view.NamedChangeSet {
	t.mu.Lock()
	created := t.created
	t.created = nil
	t.mu.Unlock()

	for _, c := range created {
		c.cb(c.entity, c.err)
	}

	return t.cache.Poll()
}

func (t *Transport) handleView(msg *nats.Msg) {
	var m viewMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		slog.Warn("decoding view change set", "subject", msg.Subject, "error", err)
		return
	}
	if m.Set.Empty() {
		return
	}
	m.stripOwnUpdates(t.nodeID)

	t.cache.Push(view.NamedChangeSet{
		Name: m.View,
		Role: m.Role,
		Set:  m.Set,
	})
}

func (t *Transport) SendComponentUpdate(e view.EntityId, id view.ComponentId, data view.PropertyBlob) error {
	return t.publishUpdate(updateMessage{Op: opUpdate, Entity: e, Component: id, Data: data})
}

func (t *Transport) SendAddComponent(e view.EntityId, id view.ComponentId, data view.PropertyBlob) error {
	return t.publishUpdate(updateMessage{Op: opAdd, Entity: e, Component: id, Data: data})
}

func (t *Transport) SendRemoveComponent(e view.EntityId, id view.ComponentId) error {
	return t.publishUpdate(updateMessage{Op: opRemove, Entity: e, Component: id})
}

func (t *Transport) publishUpdate(m updateMessage) error {
	conn := t.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}

	m.Origin = t.nodeID
	subject, err := t.subjects.Updates(t.nodeID, m.Entity)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.Op, err)
	}

	return conn.Publish(subject, data)
}

// SendDeleteEntityRequest retries in the background under policy. A request
// that finally fails is logged.
func (t *Transport) SendDeleteEntityRequest(e view.EntityId, policy view.RetryPolicy) error {
	return t.async(commandMessage{Op: commandDelete, Entity: e}, policy, func(resp view.CommandResponse, err error) {
		if err == nil && resp.Status != view.CommandSuccess {
			err = fmt.Errorf("%w: %s", view.ErrCommandRejected, resp.Message)
		}
		if err != nil {
			slog.Error("deleting entity", "entity", e, "error", err)
		}
	})
}

// SendCreateEntityRequest reports the assigned id through cb on a later Poll.
func (t *Transport) SendCreateEntityRequest(comps []view.ComponentUpdate, cb view.CreateEntityCallback) error {
	return t.async(commandMessage{Op: commandCreate, Components: comps}, view.RetryUntilComplete, func(resp view.CommandResponse, err error) {
		res := createResult{cb: cb, err: err}
		if err == nil {
			res.entity, res.err = decodeCreated(resp)
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		t.created = append(t.created, res)
	})
}

func decodeCreated(resp view.CommandResponse) (view.EntityId, error) {
	if resp.Status != view.CommandSuccess {
		return view.InvalidEntityId, fmt.Errorf("%w: %s", ErrCreateRejected, resp.Message)
	}
	var p createdPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		return view.InvalidEntityId, fmt.Errorf("decoding created entity: %w", err)
	}
	if p.Entity == view.InvalidEntityId {
		return view.InvalidEntityId, fmt.Errorf("%w: no entity id assigned", ErrCreateRejected)
	}
	return p.Entity, nil
}

// SendCommandRequest queues the outcome for CommandResponses under the
// returned id. Transport failures complete the request as unavailable.
func (t *Transport) SendCommandRequest(e view.EntityId, payload json.RawMessage, policy view.RetryPolicy) (view.RequestId, error) {
	id := view.RequestId(t.nextRequest.Add(1))

	err := t.async(commandMessage{Op: commandRun, Request: id, Entity: e, Payload: payload}, policy, func(resp view.CommandResponse, err error) {
		if err != nil {
			status := view.CommandUnavailable
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				status = view.CommandTimeout
			}
			resp = view.CommandResponse{Status: status, Message: err.Error()}
		}
		resp.Request = id

		t.mu.Lock()
		defer t.mu.Unlock()
		t.responses = append(t.responses, resp)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (t *Transport) CommandResponses() []view.CommandResponse {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.responses
	t.responses = nil
	return out
}

func (t *Transport) async(m commandMessage, policy view.RetryPolicy, done func(view.CommandResponse, error)) error {
	m.Origin = t.nodeID
	subject, err := t.subjects.Commands(t.nodeID, m.Op, m.Entity)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", m.Op, err)
	}

	t.mu.Lock()
	if t.base.Err() != nil {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		done(t.request(subject, data, policy))
	}()
	return nil
}

// request sends data until it gets a terminal answer or policy gives up.
// Transient transport errors and retryable statuses are retried.
func (t *Transport) request(subject string, data []byte, policy view.RetryPolicy) (view.CommandResponse, error) {
	for attempt := 1; ; attempt++ {
		resp, err := t.requestOnce(subject, data)
		if err == nil && !resp.Status.Retryable() {
			return resp, nil
		}
		if err != nil && !transient(err) {
			return view.CommandResponse{}, err
		}
		if policy.Exhausted(attempt) {
			return resp, err
		}

		select {
		case <-t.base.Done():
			return view.CommandResponse{}, ErrTransportClosed
		case <-time.After(policy.Delay(attempt)):
		}
	}
}

func (t *Transport) requestOnce(subject string, data []byte) (view.CommandResponse, error) {
	conn := t.conn.Load()
	if conn == nil {
		return view.CommandResponse{}, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(t.base, t.requestTimeout)
	defer cancel()

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return view.CommandResponse{}, err
	}

	var resp view.CommandResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return view.CommandResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

func transient(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, context.DeadlineExceeded)
}
