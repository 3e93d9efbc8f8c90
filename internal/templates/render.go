package templates

import (
	"notification-monitor/internal/notification"
)

// Render binds an event's template data to tmpl. It is a pure function: the
// same event and template version always produce identical output.
func Render(ev notification.Event, tmpl *Template) (notification.RenderedMessage, error) {
	content, err := tmpl.Execute(ev.TemplateData)
	if err != nil {
		return notification.RenderedMessage{}, err
	}

	return notification.RenderedMessage{
		EventID:   ev.ID,
		Recipient: ev.Recipient,
		Subject:   content.Subject,
		HTMLBody:  content.HTML,
		TextBody:  content.Text,
	}, nil
}

// Renderer resolves the template for each event type from a Registry.
type Renderer struct {
	registry *Registry
}

func NewRenderer(registry *Registry) *Renderer {
	return &Renderer{registry: registry}
}

// Render looks up the event type's template and renders ev through it.
func (r *Renderer) Render(ev notification.Event) (notification.RenderedMessage, error) {
	tmpl, err := r.registry.Get(ev.Type.TemplateName())
	if err != nil {
		return notification.RenderedMessage{}, err
	}
	return Render(ev, tmpl)
}
