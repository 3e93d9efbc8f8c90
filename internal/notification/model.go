// Package notification holds the domain types that flow through a monitoring
// pass: detected events, rendered messages and dispatch outcomes.
package notification

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

// EventType identifies a detection rule. Its string value is also the name
// of the template rendered for the event, and types sort by that value.
type EventType string

const (
	AssessmentReminder EventType = "assessment-reminder"
	ContactAssigned    EventType = "contact-assigned"
	ContactRemoved     EventType = "contact-removed"
)

// EventTypes lists every supported type in detection order.
var EventTypes = []EventType{AssessmentReminder, ContactAssigned, ContactRemoved}

func (t EventType) Valid() bool {
	switch t {
	case AssessmentReminder, ContactAssigned, ContactRemoved:
		return true
	}
	return false
}

// TemplateName is the registry key of the template for this event type.
func (t EventType) TemplateName() string {
	return string(t)
}

// idNamespace scopes event ids so they never collide with other SHA1 uuids.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:notification-monitor:event"))

// Recipient is who a notification is addressed to.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Address renders the recipient as an RFC 5322 mailbox, encoding a
// non-ASCII display name.
func (r Recipient) Address() string {
	if r.Name == "" {
		return r.Email
	}
	return (&mail.Address{Name: r.Name, Address: r.Email}).String()
}

// Event is a notification-worthy condition. It is immutable once built and
// its ID is derived from what it describes, never assigned.
type Event struct {
	ID              string            `json:"id"`
	Type            EventType         `json:"eventType"`
	SubjectEntityID string            `json:"subjectEntityId"`
	Period          string            `json:"period"`
	Recipient       Recipient         `json:"recipient"`
	TemplateData    map[string]string `json:"templateData"`
}

// NewEvent builds an Event and derives its ID. templateData is copied.
func NewEvent(eventType EventType, subjectEntityID, period string, recipient Recipient, templateData map[string]string) Event {
	data := make(map[string]string, len(templateData))
	for k, v := range templateData {
		data[k] = v
	}
	return Event{
		ID:              EventID(eventType, subjectEntityID, period, recipient.Email),
		Type:            eventType,
		SubjectEntityID: subjectEntityID,
		Period:          period,
		Recipient:       recipient,
		TemplateData:    data,
	}
}

// EventID hashes the event identity. Re-detecting the same condition for the
// same recipient always yields the same id.
func EventID(eventType EventType, subjectEntityID, period, recipientEmail string) string {
	name := strings.Join([]string{
		string(eventType),
		subjectEntityID,
		period,
		strings.ToLower(strings.TrimSpace(recipientEmail)),
	}, "|")
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// Less orders events by (type, subject entity, recipient email).
func Less(a, b Event) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.SubjectEntityID != b.SubjectEntityID {
		return a.SubjectEntityID < b.SubjectEntityID
	}
	if a.Period != b.Period {
		return a.Period < b.Period
	}
	return strings.ToLower(a.Recipient.Email) < strings.ToLower(b.Recipient.Email)
}

// RenderedMessage is the final subject/body pair for one recipient.
type RenderedMessage struct {
	EventID   string
	Recipient Recipient
	Subject   string
	HTMLBody  string
	TextBody  string
}

// OutcomeKind classifies a single send attempt.
type OutcomeKind string

const (
	Sent             OutcomeKind = "sent"
	TransientFailure OutcomeKind = "transient_failure"
	PermanentFailure OutcomeKind = "permanent_failure"
)

// Outcome is the result of one Dispatcher.Send call.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}
