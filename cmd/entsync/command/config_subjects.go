package command

import (
	"fmt"

	"github.com/pixil98/go-entsync/internal/messaging"
)

// SubjectsConfig holds text/template subjects; sprig functions are available.
type SubjectsConfig struct {
	Updates  string `json:"updates"`
	Commands string `json:"commands"`
	Views    string `json:"views"`
}

func (c *SubjectsConfig) validate() error {
	_, err := c.buildSubjects()
	if err != nil {
		return fmt.Errorf("subjects: %w", err)
	}
	return nil
}

func (c *SubjectsConfig) buildSubjects() (*messaging.Subjects, error) {
	return messaging.NewSubjects(c.Updates, c.Commands, c.Views)
}
