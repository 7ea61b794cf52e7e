// Package rendering provides sprig-backed text templates for source queries and collection names
package rendering

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateEngine provides template rendering with Sprig functions
type TemplateEngine struct {
	funcMap template.FuncMap
}

// NewTemplateEngine creates a new template engine with Sprig functions
func NewTemplateEngine() *TemplateEngine {
	funcs := sprig.TxtFuncMap()

	// SQL identifier quoting for source query templates
	funcs["ident"] = quoteIdentifier

	return &TemplateEngine{
		funcMap: funcs,
	}
}

// Parse compiles content once so it can be executed repeatedly
func (t *TemplateEngine) Parse(name, content string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(t.funcMap).Option("missingkey=error").Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	return tmpl, nil
}

// Render renders a template with the given variables
func (t *TemplateEngine) Render(name, content string, variables any) (string, error) {
	tmpl, err := t.Parse(name, content)
	if err != nil {
		return "", err
	}

	return Execute(tmpl, variables)
}

// Execute runs a parsed template and trims surrounding whitespace
func Execute(tmpl *template.Template, variables any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, variables); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", tmpl.Name(), err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// quoteIdentifier double-quotes each dot-separated part of a SQL identifier
func quoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	}

	return strings.Join(parts, ".")
}
