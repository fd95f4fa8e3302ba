package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pixil98/go-entsync/internal/schema"
	"github.com/pixil98/go-errors"
)

const minTickInterval = 10 * time.Millisecond

type Config struct {
	TickInterval string          `json:"tick_interval"`
	NodeType     schema.NodeType `json:"node_type"`
	NodeId       string          `json:"node_id"`
	Nats         NatsConfig      `json:"nats"`
	Schema       SchemaConfig    `json:"schema"`
	Sync         SyncConfig      `json:"sync"`
	Subjects     SubjectsConfig  `json:"subjects"`
}

func (c *Config) Validate() error {
	el := errors.NewErrorList()

	if c.TickInterval != "" {
		d, err := time.ParseDuration(c.TickInterval)
		if err != nil {
			el.Add(fmt.Errorf("parsing tick_interval: %w", err))
		} else if d < minTickInterval {
			el.Add(fmt.Errorf("tick_interval must be at least %s", minTickInterval))
		}
	}

	el.Add(c.Nats.validate())
	el.Add(c.Schema.validate())
	el.Add(c.Sync.validate())
	el.Add(c.Subjects.validate())

	return el.Err()
}

// nodeId returns the configured node id, generating one when unset.
func (c *Config) nodeId() string {
	if c.NodeId == "" {
		c.NodeId = uuid.NewString()
	}
	return c.NodeId
}

func (c *Config) tickInterval() (time.Duration, bool) {
	if c.TickInterval == "" {
		return 0, false
	}
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 0, false
	}
	return d, true
}
