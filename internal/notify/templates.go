package notify

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a message body with {{key}} placeholders.
type Template struct {
	Kind Kind   `json:"kind"`
	Body string `json:"body"`
}

// Templates renders notification messages by kind.
type Templates struct {
	mu        sync.RWMutex
	templates map[Kind]Template
}

// NewTemplates returns a set with the built-in reminder and escalation bodies.
func NewTemplates() *Templates {
	t := &Templates{templates: make(map[Kind]Template)}
	t.Register(Template{
		Kind: KindDoseReminder,
		Body: "Time to take {{medicine}} ({{dosage}}), scheduled for {{scheduled_time}}. Confirm or snooze within the grace window.",
	})
	t.Register(Template{
		Kind: KindEscalation,
		Body: "Patient {{patient_id}} has missed {{count}} consecutive doses of {{medicine}}, most recently at {{last_dose}}.",
	})
	return t
}

// Register adds or replaces a template.
func (t *Templates) Register(tpl Template) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[tpl.Kind] = tpl
}

// Render replaces every {{key}} in the template for kind. Placeholders
// without data are left as-is.
func (t *Templates) Render(kind Kind, data map[string]string) (string, error) {
	t.mu.RLock()
	tpl, ok := t.templates[kind]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", kind)
	}

	body := tpl.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, nil
}
