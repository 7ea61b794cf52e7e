package strategy

import (
	"errors"
	"fmt"
	"regexp"
	"text/template"

	"github.com/ethpandaops/cdcore/pkg/rendering"
)

// ErrInvalidCollectionName is returned when a naming template renders an unusable name
var ErrInvalidCollectionName = errors.New("collection name must match [a-zA-Z0-9_]+")

var collectionPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NamingConfig holds the collection naming templates. Templates see .Environment and .Source.
type NamingConfig struct {
	Environment string `yaml:"environment"`
	Staging     string `yaml:"staging" default:"{{ with .Environment }}{{ . }}_{{ end }}stg_{{ .Source }}"`
	Entities    string `yaml:"entities" default:"{{ with .Environment }}{{ . }}_{{ end }}{{ .Source }}"`
	History     string `yaml:"history" default:"{{ with .Environment }}{{ . }}_{{ end }}{{ .Source }}_history"`
}

// Naming resolves the collections a source writes to
type Naming struct {
	environment string
	staging     *template.Template
	entities    *template.Template
	history     *template.Template
}

type namingVars struct {
	Environment string
	Source      string
}

// NewNaming compiles the naming templates
func NewNaming(cfg NamingConfig) (*Naming, error) {
	engine := rendering.NewTemplateEngine()

	n := &Naming{environment: cfg.Environment}

	for _, t := range []struct {
		name    string
		content string
		dest    **template.Template
	}{
		{"staging", cfg.Staging, &n.staging},
		{"entities", cfg.Entities, &n.entities},
		{"history", cfg.History, &n.history},
	} {
		if t.content == "" {
			return nil, fmt.Errorf("naming template %s is empty", t.name)
		}

		tmpl, err := engine.Parse(t.name, t.content)
		if err != nil {
			return nil, err
		}

		*t.dest = tmpl
	}

	return n, nil
}

// Staging returns the staging collection of sourceID
func (n *Naming) Staging(sourceID string) (string, error) {
	return n.render(n.staging, sourceID)
}

// Entities returns the keyed entity collection of sourceID
func (n *Naming) Entities(sourceID string) (string, error) {
	return n.render(n.entities, sourceID)
}

// History returns the history collection of sourceID
func (n *Naming) History(sourceID string) (string, error) {
	return n.render(n.history, sourceID)
}

func (n *Naming) render(tmpl *template.Template, sourceID string) (string, error) {
	name, err := rendering.Execute(tmpl, namingVars{Environment: n.environment, Source: sourceID})
	if err != nil {
		return "", err
	}

	if !collectionPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %s template gave %q", ErrInvalidCollectionName, tmpl.Name(), name)
	}

	return name, nil
}
