// Package templates loads and precompiles message templates and renders
// notification events through them.
package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/xeipuuv/gojsonschema"

	"notification-monitor/internal/common/errors"
)

const (
	manifestFile = "manifest.json"
	htmlFile     = "body.html"
	textFile     = "body.txt"
)

// Manifest describes one template directory.
type Manifest struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Subject string          `json:"subject"`
	Schema  json.RawMessage `json:"schema"`
}

// schemaFields is the part of the data schema the registry reads directly.
type schemaFields struct {
	Required   []string                   `json:"required"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// Template is a precompiled subject, HTML body and text body plus the data
// contract they render against. It is read-only after Load.
type Template struct {
	name     string
	version  string
	subject  *texttemplate.Template
	html     *htmltemplate.Template
	text     *texttemplate.Template
	schema   *gojsonschema.Schema
	required []string
	optional []string
}

func (t *Template) Name() string    { return t.name }
func (t *Template) Version() string { return t.version }

// Required returns the fields that must be present in template data.
func (t *Template) Required() []string { return append([]string(nil), t.required...) }

// Optional returns declared fields that default to an empty string.
func (t *Template) Optional() []string { return append([]string(nil), t.optional...) }

// Registry holds every loaded template keyed by name.
type Registry struct {
	templates map[string]*Template
}

// LoadDir loads templates from a directory on disk.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.NewTemplateLoadError(dir, err)
	}
	if !info.IsDir() {
		return nil, errors.NewTemplateLoadError(dir, fmt.Errorf("%s is not a directory", dir))
	}
	return Load(os.DirFS(dir))
}

// Load compiles every template directory at the root of fsys. Any parse,
// schema or dry-run failure aborts the whole load.
func Load(fsys fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.NewTemplateLoadError(".", err)
	}

	reg := &Registry{templates: make(map[string]*Template)}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "_") {
			continue
		}

		tmpl, err := loadTemplate(fsys, entry.Name())
		if err != nil {
			return nil, errors.NewTemplateLoadError(entry.Name(), err)
		}
		if _, dup := reg.templates[tmpl.name]; dup {
			return nil, errors.NewTemplateLoadError(tmpl.name, fmt.Errorf("declared by more than one directory"))
		}
		reg.templates[tmpl.name] = tmpl
	}

	if len(reg.templates) == 0 {
		return nil, errors.NewTemplateLoadError(".", fmt.Errorf("no templates found"))
	}

	return reg, nil
}

func loadTemplate(fsys fs.FS, dir string) (*Template, error) {
	raw, err := fs.ReadFile(fsys, path.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFile, err)
	}
	if m.Name == "" {
		m.Name = dir
	}
	if m.Name != dir {
		return nil, fmt.Errorf("manifest name %q does not match directory %q", m.Name, dir)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return nil, fmt.Errorf("manifest subject is empty")
	}
	if len(m.Schema) == 0 {
		return nil, fmt.Errorf("manifest schema is missing")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(m.Schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	var fields schemaFields
	if err := json.Unmarshal(m.Schema, &fields); err != nil {
		return nil, fmt.Errorf("read schema fields: %w", err)
	}

	required := make(map[string]bool, len(fields.Required))
	for _, f := range fields.Required {
		if _, declared := fields.Properties[f]; !declared {
			return nil, fmt.Errorf("required field %q has no property definition", f)
		}
		required[f] = true
	}

	t := &Template{
		name:     m.Name,
		version:  m.Version,
		schema:   schema,
		required: append([]string(nil), fields.Required...),
	}
	for name := range fields.Properties {
		if !required[name] {
			t.optional = append(t.optional, name)
		}
	}
	sort.Strings(t.required)
	sort.Strings(t.optional)

	t.subject, err = texttemplate.New(m.Name + ".subject").Option("missingkey=error").Parse(m.Subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject: %w", err)
	}

	htmlSrc, err := fs.ReadFile(fsys, path.Join(dir, htmlFile))
	if err != nil {
		return nil, err
	}
	t.html, err = htmltemplate.New(htmlFile).Option("missingkey=error").Parse(string(htmlSrc))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", htmlFile, err)
	}

	textSrc, err := fs.ReadFile(fsys, path.Join(dir, textFile))
	if err != nil {
		return nil, err
	}
	t.text, err = texttemplate.New(textFile).Option("missingkey=error").Parse(string(textSrc))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", textFile, err)
	}

	// Executing against every declared field surfaces references to
	// undeclared fields now rather than on the send path.
	sample := make(map[string]string, len(fields.Properties))
	for name := range fields.Properties {
		sample[name] = "sample"
	}
	if _, err := t.execute(sample); err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}

	return t, nil
}

// Get returns the named template.
func (r *Registry) Get(name string) (*Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, errors.NewTemplateNotFoundError(name)
	}
	return t, nil
}

// Names lists loaded templates in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Content is the output of executing a template.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Execute validates data against the template's contract and renders it.
// Required fields must be present; declared optional fields that are absent
// render as empty strings.
func (t *Template) Execute(data map[string]string) (Content, error) {
	if err := t.Validate(data); err != nil {
		return Content{}, err
	}

	filled := make(map[string]string, len(data)+len(t.optional))
	for _, name := range t.optional {
		filled[name] = ""
	}
	for k, v := range data {
		filled[k] = v
	}

	content, err := t.execute(filled)
	if err != nil {
		return Content{}, errors.NewTemplateDataError(t.name, nil, nil).WithCause(err)
	}
	return content, nil
}

// Validate checks data against the template's JSON schema and reports
// missing and invalid fields by name.
func (t *Template) Validate(data map[string]string) error {
	doc := make(map[string]interface{}, len(data))
	for k, v := range data {
		doc[k] = v
	}

	result, err := t.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.NewTemplateDataError(t.name, nil, nil).WithCause(err)
	}
	if result.Valid() {
		return nil
	}

	var missing, invalid []string
	for _, re := range result.Errors() {
		if re.Type() == "required" {
			if prop, ok := re.Details()["property"].(string); ok {
				missing = append(missing, prop)
				continue
			}
		}
		invalid = append(invalid, re.Field())
	}
	return errors.NewTemplateDataError(t.name, dedupe(missing), dedupe(invalid))
}

func (t *Template) execute(data map[string]string) (Content, error) {
	var subject, html, text bytes.Buffer

	if err := t.subject.Execute(&subject, data); err != nil {
		return Content{}, fmt.Errorf("subject: %w", err)
	}
	if err := t.html.Execute(&html, data); err != nil {
		return Content{}, fmt.Errorf("html body: %w", err)
	}
	if err := t.text.Execute(&text, data); err != nil {
		return Content{}, fmt.Errorf("text body: %w", err)
	}

	return Content{
		Subject: singleLine(subject.String()),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

// singleLine keeps a rendered subject to one header line.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
