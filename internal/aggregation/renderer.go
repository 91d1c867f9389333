package aggregation

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"text/template"
	"time"
)

// EventTypeCount is the number of folded events of one type.
type EventTypeCount struct {
	Name  string
	Count int
}

// SectionData is the folded content of one application for one recipient
// group.
type SectionData struct {
	Bundle      string
	Application string
	DisplayName string
	Count       int
	EventTypes  []EventTypeCount
	Events      []map[string]any
}

// Section is one rendered application section.
type Section struct {
	Application string
	DisplayName string
	Body        string
}

// DigestData is the input of the digest body template.
type DigestData struct {
	OrgID    string
	Bundle   string
	Start    time.Time
	End      time.Time
	Sections []Section
}

// Renderer turns folded data into text.
type Renderer interface {
	RenderSection(data SectionData) (string, error)
	RenderDigest(data DigestData) (string, error)
}

const defaultDigestTemplate = `Daily digest for {{ .Bundle }} ({{ .Start.Format "2006-01-02" }})
{{ range .Sections }}
== {{ .DisplayName }} ==
{{ .Body }}
{{ end }}`

const defaultSectionTemplate = `{{ .Count }} event(s){{ range .EventTypes }}
- {{ .Name }}: {{ .Count }}{{ end }}`

// TemplateRenderer renders with text/template. Section templates are keyed
// by "bundle/application", digest templates by bundle. Missing section
// templates fall back to a summary unless Strict is set.
type TemplateRenderer struct {
	Strict bool

	mu       sync.Mutex
	sections map[string]string
	digests  map[string]string
	parsed   map[string]*template.Template
}

// NewTemplateRenderer builds a renderer over the given template sources.
func NewTemplateRenderer(sections, digests map[string]string) *TemplateRenderer {
	return &TemplateRenderer{
		sections: copyMap(sections),
		digests:  copyMap(digests),
		parsed:   map[string]*template.Template{},
	}
}

// RenderSection implements Renderer.
func (r *TemplateRenderer) RenderSection(data SectionData) (string, error) {
	key := data.Bundle + "/" + data.Application
	src, ok := r.sections[key]
	if !ok {
		if r.Strict {
			return "", fmt.Errorf("aggregation: no section template for %s", key)
		}
		src = defaultSectionTemplate
	}
	return r.execute("section:"+key, src, data)
}

// RenderDigest implements Renderer.
func (r *TemplateRenderer) RenderDigest(data DigestData) (string, error) {
	src, ok := r.digests[data.Bundle]
	if !ok {
		src = defaultDigestTemplate
	}
	return r.execute("digest:"+data.Bundle, src, data)
}

func (r *TemplateRenderer) execute(name, src string, data any) (string, error) {
	tmpl, err := r.lookup(name, src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("aggregation: render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (r *TemplateRenderer) lookup(name, src string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.parsed[name]; ok {
		return t, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("aggregation: parse %s: %w", name, err)
	}
	r.parsed[name] = t
	return t, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedCounts(counts map[string]int) []EventTypeCount {
	out := make([]EventTypeCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, EventTypeCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
