// Package detector finds notification-worthy conditions in the study
// service's data and turns them into notification events.
package detector

import (
	"context"
	stderrors "errors"
	"iter"
	"time"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
	"notification-monitor/internal/notification"
)

// ContactWatermark names the contact changelog position in the watermark
// store.
const ContactWatermark = "contact_changes"

var errScanConsumed = stderrors.New("scan already consumed")

// Study is a study with an upcoming assessment.
type Study struct {
	ID               string
	Title            string
	OrganisationID   string
	OrganisationName string
	DueAt            time.Time
}

// ChangeKind is the mutation recorded in the contact changelog.
type ChangeKind string

const (
	ChangeAssigned ChangeKind = "assigned"
	ChangeRemoved  ChangeKind = "removed"
)

// ContactChange is one changelog entry for a contact-organisation link.
// Contact details are a snapshot taken when the change was recorded.
type ContactChange struct {
	ID               int64
	Kind             ChangeKind
	OrganisationID   string
	OrganisationName string
	ContactID        string
	ContactName      string
	ContactEmail     string
	ChangedAt        time.Time
}

// StudySource lists studies whose next assessment is due in (from, to].
type StudySource interface {
	DueStudies(ctx context.Context, from, to time.Time) ([]Study, error)
}

// ContactChangeSource lists changelog entries with id greater than after,
// in id order, at most limit of them.
type ContactChangeSource interface {
	ContactChanges(ctx context.Context, after int64, limit int) ([]ContactChange, error)
}

// RecipientResolver returns who should be notified about each
// organisation's studies.
type RecipientResolver interface {
	Recipients(ctx context.Context, organisationIDs []string) (map[string][]notification.Recipient, error)
}

// WatermarkReader reads the last changelog position already processed.
type WatermarkReader interface {
	Watermark(ctx context.Context, name string) (int64, error)
}

type Config struct {
	ReminderWindow   time.Duration
	ContactBatchSize int
	ServiceURL       string
}

// Detector runs the detection rules. It holds no state between scans.
type Detector struct {
	cfg        Config
	studies    StudySource
	changes    ContactChangeSource
	recipients RecipientResolver
	watermarks WatermarkReader
	logger     logger.Logger
}

func New(cfg Config, studies StudySource, changes ContactChangeSource, recipients RecipientResolver, watermarks WatermarkReader, log logger.Logger) *Detector {
	if cfg.ContactBatchSize <= 0 {
		cfg.ContactBatchSize = 500
	}
	return &Detector{
		cfg:        cfg,
		studies:    studies,
		changes:    changes,
		recipients: recipients,
		watermarks: watermarks,
		logger:     log.WithFields(map[string]interface{}{"component": "detector"}),
	}
}

// Detect starts a scan of current state as of asOf. Nothing is queried until
// the scan is iterated, and a scan can be iterated once.
func (d *Detector) Detect(ctx context.Context, asOf time.Time) *Scan {
	return &Scan{d: d, ctx: ctx, asOf: asOf.UTC()}
}

// Scan is one detection run. Events are yielded ordered by event type, then
// subject entity, then period and recipient.
type Scan struct {
	d    *Detector
	ctx  context.Context
	asOf time.Time

	consumed  bool
	completed bool

	changesLoaded bool
	changes       []ContactChange
	from          int64
	head          int64
}

type rule struct {
	eventType notification.EventType
	detect    func(ctx context.Context) ([]notification.Event, error)
}

func (s *Scan) rules() []rule {
	return []rule{
		{notification.AssessmentReminder, s.reminders},
		{notification.ContactAssigned, s.contactRule(ChangeAssigned, notification.ContactAssigned)},
		{notification.ContactRemoved, s.contactRule(ChangeRemoved, notification.ContactRemoved)},
	}
}

// All yields every detected event. A source failure is yielded as the
// error of the final pair and ends the sequence.
func (s *Scan) All() iter.Seq2[notification.Event, error] {
	return func(yield func(notification.Event, error) bool) {
		if s.consumed {
			yield(notification.Event{}, errScanConsumed)
			return
		}
		s.consumed = true

		for _, r := range s.rules() {
			events, err := r.detect(s.ctx)
			if err != nil {
				s.d.logger.Error("detection rule failed", map[string]interface{}{
					"eventType": string(r.eventType),
					"error":     err,
				})
				yield(notification.Event{}, err)
				return
			}
			s.d.logger.Debug("detection rule finished", map[string]interface{}{
				"eventType": string(r.eventType),
				"events":    len(events),
			})
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
		}
		s.completed = true
	}
}

// Watermark returns the contact changelog position covered by the scan.
// ok is false unless the scan was iterated to the end without error.
func (s *Scan) Watermark() (position int64, ok bool) {
	if !s.completed || !s.changesLoaded {
		return 0, false
	}
	return s.head, s.head > s.from
}

func sourceError(source string, err error) error {
	switch errors.CodeOf(err) {
	case errors.ErrCodeSourceUnavailable, errors.ErrCodeLedgerUnavailable:
		return err
	}
	return errors.NewSourceUnavailableError(source, err)
}
