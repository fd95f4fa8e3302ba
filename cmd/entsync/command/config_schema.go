package command

import (
	"fmt"
	"os"

	"github.com/pixil98/go-entsync/internal/schema"
)

type SchemaConfig struct {
	Path string `json:"path"`
}

func (c *SchemaConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("schema: path is required")
	}
	_, err := os.Stat(c.Path)
	if err != nil {
		return fmt.Errorf("schema: invalid path %q: %w", c.Path, err)
	}

	return nil
}

func (c *SchemaConfig) buildRegistry() (*schema.Registry, error) {
	store, err := schema.NewFileStore[*schema.Class](c.Path)
	if err != nil {
		return nil, fmt.Errorf("loading classes: %w", err)
	}

	return schema.NewRegistry(store)
}
