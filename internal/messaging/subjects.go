package messaging

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/pixil98/go-entsync/internal/view"
)

const (
	DefaultUpdatesSubject  = "entsync.updates.{{ .Entity }}"
	DefaultCommandsSubject = "entsync.commands.{{ .Op }}"
	DefaultViewsSubject    = "entsync.views.{{ .Node }}"
)

var templateFuncs = sprig.TxtFuncMap()

// SubjectData is what subject templates are rendered against.
type SubjectData struct {
	Node   string
	Entity view.EntityId
	Op     string
}

// Subjects renders the NATS subjects used by a transport.
type Subjects struct {
	updates  *template.Template
	commands *template.Template
	views    *template.Template
}

// NewSubjects parses the three subject templates. Empty strings fall back to
// the defaults.
func NewSubjects(updates, commands, views string) (*Subjects, error) {
	var s Subjects
	var err error

	s.updates, err = parseSubject("updates", updates, DefaultUpdatesSubject)
	if err != nil {
		return nil, err
	}
	s.commands, err = parseSubject("commands", commands, DefaultCommandsSubject)
	if err != nil {
		return nil, err
	}
	s.views, err = parseSubject("views", views, DefaultViewsSubject)
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func parseSubject(name, tmplStr, def string) (*template.Template, error) {
	if tmplStr == "" {
		tmplStr = def
	}
	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("parsing %s subject: %w", name, err)
	}
	return tmpl, nil
}

func (s *Subjects) Updates(node string, e view.EntityId) (string, error) {
	return render(s.updates, SubjectData{Node: node, Entity: e})
}

func (s *Subjects) Commands(node, op string, e view.EntityId) (string, error) {
	return render(s.commands, SubjectData{Node: node, Entity: e, Op: op})
}

func (s *Subjects) Views(node string) (string, error) {
	return render(s.views, SubjectData{Node: node})
}

func render(tmpl *template.Template, data SubjectData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing %s subject: %w", tmpl.Name(), err)
	}

	subject := buf.String()
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") || strings.Contains(subject, "..") ||
		strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") {
		return "", fmt.Errorf("%w: %s rendered %q", ErrInvalidSubject, tmpl.Name(), subject)
	}
	return subject, nil
}
