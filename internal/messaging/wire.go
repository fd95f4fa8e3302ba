package messaging

import (
	"encoding/json"

	"github.com/pixil98/go-entsync/internal/view"
)

type updateOp string

const (
	opUpdate updateOp = "update"
	opAdd    updateOp = "add"
	opRemove updateOp = "remove"
)

const (
	commandDelete = "delete"
	commandCreate = "create"
	commandRun    = "command"
)

// updateMessage is a component write published to the entity store.
type updateMessage struct {
	Origin    string            `json:"origin"`
	Op        updateOp          `json:"op"`
	Entity    view.EntityId     `json:"entity"`
	Component view.ComponentId  `json:"component"`
	Data      view.PropertyBlob `json:"data,omitempty"`
}

// commandMessage is a request answered with a view.CommandResponse.
type commandMessage struct {
	Origin     string                 `json:"origin"`
	Op         string                 `json:"op"`
	Request    view.RequestId         `json:"request,omitempty"`
	Entity     view.EntityId          `json:"entity,omitempty"`
	Components []view.ComponentUpdate `json:"components,omitempty"`
	Payload    json.RawMessage        `json:"payload,omitempty"`
}

// createdPayload is the payload of a successful create response.
type createdPayload struct {
	Entity view.EntityId `json:"entity"`
}

// viewMessage carries one filtered view's change set. Origin names the node
// whose writes produced the component updates in it, if a single node did.
type viewMessage struct {
	View   string              `json:"view"`
	Role   view.Role           `json:"role"`
	Origin string              `json:"origin,omitempty"`
	Set    *view.ViewChangeSet `json:"set"`
}

// stripOwnUpdates drops component updates this node wrote itself. Adds,
// removals and authority changes are kept.
func (m *viewMessage) stripOwnUpdates(node string) {
	if m.Origin == "" || m.Origin != node || m.Set == nil {
		return
	}
	for i := range m.Set.Deltas {
		m.Set.Deltas[i].ComponentsUpdated = nil
	}
}
