package notify

import (
	"bytes"
	"fmt"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/zabview/zabview/internal/events"
)

var defaultTemplates = map[events.Type]string{
	events.TypeProblemNew:      `ALERT {{ .Summary }}{{ if .Acknowledged }} [acked]{{ end }}`,
	events.TypeProblemResolved: `OK {{ .Summary }}`,
}

// Renderer holds the compiled per-event message templates. A renderer is
// immutable once built; rule reloads construct a replacement.
type Renderer struct {
	templates map[events.Type]*template.Template
}

// NewRenderer compiles the default templates with any per-type overrides
// applied. Override keys must name a known event type.
func NewRenderer(overrides map[string]string) (*Renderer, error) {
	sources := make(map[events.Type]string, len(defaultTemplates))
	for kind, source := range defaultTemplates {
		sources[kind] = source
	}
	for key, source := range overrides {
		kind := events.Type(key)
		if _, known := defaultTemplates[kind]; !known {
			return nil, fmt.Errorf("notify: template override for unknown event type %q", key)
		}
		sources[kind] = source
	}

	funcs := templateFuncs()
	r := &Renderer{templates: make(map[events.Type]*template.Template, len(sources))}
	for kind, source := range sources {
		tmpl, err := template.New(string(kind)).Funcs(funcs).Option("missingkey=zero").Parse(source)
		if err != nil {
			return nil, fmt.Errorf("notify: compile template %q: %w", kind, err)
		}
		r.templates[kind] = tmpl
	}
	return r, nil
}

// Render produces the outbound message text for one event. Event types without
// a template fall back to the raw summary.
func (r *Renderer) Render(ev events.Event) (string, error) {
	tmpl, ok := r.templates[ev.Type]
	if !ok {
		return ev.Summary, nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ev); err != nil {
		return "", fmt.Errorf("notify: render %q: %w", ev.Type, err)
	}
	return buf.String(), nil
}

// templateFuncs exposes the sprig helpers minus the ones that reach into the
// process environment or filesystem. Notification templates come from operator
// config and should stay pure text transforms.
func templateFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return funcs
}
