package view

import (
	"encoding/json"
	"time"
)

// View is read access to the node's current slice of the entity store.
type View interface {
	HasEntity(EntityId) bool
	HasComponent(EntityId, ComponentId) bool
	Component(EntityId, ComponentId) (PropertyBlob, bool)
	// Components lists the components present on an entity in a stable order.
	Components(EntityId) []ComponentId
}

// Source yields the change sets produced since the previous call, one per
// filtered view, in processing order.
type Source interface {
	Poll() []NamedChangeSet
}

// RetryPolicy bounds how often a request is resent after a transient failure.
type RetryPolicy struct {
	// MaxAttempts of zero retries until the request completes.
	MaxAttempts int
	// Backoff is the delay before the first retry; it grows linearly per attempt.
	Backoff time.Duration
}

// RetryUntilComplete is used for requests whose loss would orphan distributed state.
var RetryUntilComplete = RetryPolicy{MaxAttempts: 0, Backoff: 100 * time.Millisecond}

// Exhausted reports whether attempt (1-based) is past the policy limit.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Delay is the wait before retrying after the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Backoff * time.Duration(attempt)
}

// RequestId correlates a command request with its asynchronous response.
type RequestId int64

// CommandStatus is the outcome of a command request.
type CommandStatus int

const (
	CommandSuccess CommandStatus = iota
	// CommandTimeout and CommandUnavailable are transient and may be retried.
	CommandTimeout
	CommandUnavailable
	// CommandRejected is terminal.
	CommandRejected
)

// Retryable reports whether the status describes a transient failure.
func (s CommandStatus) Retryable() bool {
	return s == CommandTimeout || s == CommandUnavailable
}

// CommandResponse completes a request sent with SendCommandRequest.
type CommandResponse struct {
	Request RequestId       `json:"request"`
	Status  CommandStatus   `json:"status"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateEntityCallback is invoked with the id assigned by the store, or an error.
type CreateEntityCallback func(EntityId, error)

// Connection is the write side of the entity store.
type Connection interface {
	SendComponentUpdate(EntityId, ComponentId, PropertyBlob) error
	SendAddComponent(EntityId, ComponentId, PropertyBlob) error
	SendRemoveComponent(EntityId, ComponentId) error
	SendDeleteEntityRequest(EntityId, RetryPolicy) error
	SendCreateEntityRequest([]ComponentUpdate, CreateEntityCallback) error
	SendCommandRequest(EntityId, json.RawMessage, RetryPolicy) (RequestId, error)
	// CommandResponses drains the responses received since the last call.
	CommandResponses() []CommandResponse
}
