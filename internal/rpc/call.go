package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pixil98/go-entsync/internal/view"
)

// Kind classifies how a call is delivered.
type Kind int

const (
	// KindReliable calls are ordered and retained until acknowledged.
	KindReliable Kind = iota
	// KindUnreliable calls are written once and never retried.
	KindUnreliable
	// KindMulticast calls are broadcast to every observer of the entity.
	KindMulticast
	// KindCrossServer calls are routed to whichever node simulates the target.
	KindCrossServer
)

func (k Kind) String() string {
	switch k {
	case KindReliable:
		return "reliable"
	case KindUnreliable:
		return "unreliable"
	case KindMulticast:
		return "multicast"
	case KindCrossServer:
		return "cross_server"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// component is the reserved component carrying calls of this kind.
func (k Kind) component() view.ComponentKind {
	switch k {
	case KindReliable:
		return view.KindRpcReliable
	case KindMulticast:
		return view.KindRpcMulticast
	case KindUnreliable:
		return view.KindRpcUnreliable
	default:
		return view.KindInvalid
	}
}

func kindForComponent(c view.ComponentKind) (Kind, bool) {
	switch c {
	case view.KindRpcReliable:
		return KindReliable, true
	case view.KindRpcMulticast:
		return KindMulticast, true
	case view.KindRpcUnreliable:
		return KindUnreliable, true
	default:
		return 0, false
	}
}

// OverflowPolicy decides what happens to a call when its ring buffer is full.
type OverflowPolicy int

const (
	OverflowQueue OverflowPolicy = iota
	OverflowDrop
)

func (p *OverflowPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "queue":
		*p = OverflowQueue
	case "drop":
		*p = OverflowDrop
	default:
		return fmt.Errorf("unknown overflow policy: %s", text)
	}
	return nil
}

func (p OverflowPolicy) MarshalText() ([]byte, error) {
	switch p {
	case OverflowQueue:
		return []byte("queue"), nil
	case OverflowDrop:
		return []byte("drop"), nil
	default:
		return nil, fmt.Errorf("unknown overflow policy: %d", int(p))
	}
}

// Call is one outbound remote call.
type Call struct {
	Id       uuid.UUID
	Target   view.ObjectRef
	Kind     Kind
	Function string
	Payload  json.RawMessage
	// Done, if set, is called once with the outcome of the call.
	Done func(error)
}

func (c *Call) validate() error {
	if c.Target.IsNull() {
		return fmt.Errorf("%w: target is required", ErrInvalidCall)
	}
	if c.Function == "" {
		return fmt.Errorf("%w: function is required", ErrInvalidCall)
	}
	return nil
}

func (c *Call) finish(err error) {
	if c.Done != nil {
		c.Done(err)
		c.Done = nil
	}
}

// wireCall is the encoded form of a call inside a ring buffer component or a
// command payload.
type wireCall struct {
	Seq      uint64          `json:"seq,omitempty"`
	Id       uuid.UUID       `json:"id"`
	Offset   uint32          `json:"offset,omitempty"`
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func toWire(seq uint64, c *Call) wireCall {
	return wireCall{
		Seq:      seq,
		Id:       c.Id,
		Offset:   c.Target.Offset,
		Function: c.Function,
		Payload:  c.Payload,
	}
}

// Handler executes an inbound call.
type Handler func(target view.ObjectRef, function string, payload json.RawMessage)
