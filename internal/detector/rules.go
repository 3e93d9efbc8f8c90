package detector

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"notification-monitor/internal/notification"
)

const (
	periodLayout  = "2006-01-02"
	dueDateLayout = "2 January 2006"
)

// PeriodStart is the first UTC day of the reminder period for an
// assessment due at dueAt.
func PeriodStart(dueAt time.Time, window time.Duration) time.Time {
	start := dueAt.UTC().Add(-window)
	return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
}

// reminders emits one event per study recipient for every study whose
// reminder period has started and whose assessment is not yet overdue.
func (s *Scan) reminders(ctx context.Context) ([]notification.Event, error) {
	window := s.d.cfg.ReminderWindow
	studies, err := s.d.studies.DueStudies(ctx, s.asOf, s.asOf.Add(window+24*time.Hour))
	if err != nil {
		return nil, sourceError("studies", err)
	}

	var (
		due    []Study
		orgIDs []string
		seen   = make(map[string]bool)
	)
	for _, st := range studies {
		if PeriodStart(st.DueAt, window).After(s.asOf) || !s.asOf.Before(st.DueAt) {
			continue
		}
		due = append(due, st)
		if !seen[st.OrganisationID] {
			seen[st.OrganisationID] = true
			orgIDs = append(orgIDs, st.OrganisationID)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Strings(orgIDs)

	recipients, err := s.d.recipients.Recipients(ctx, orgIDs)
	if err != nil {
		return nil, sourceError("recipients", err)
	}

	var events []notification.Event
	for _, st := range due {
		rs := uniqueRecipients(recipients[st.OrganisationID])
		if len(rs) == 0 {
			s.d.logger.Warn("study due for reminder has no recipients", map[string]interface{}{
				"studyId":        st.ID,
				"organisationId": st.OrganisationID,
			})
			continue
		}

		period := PeriodStart(st.DueAt, window).Format(periodLayout)
		for _, r := range rs {
			data := map[string]string{
				"recipientName":    displayName(r),
				"studyTitle":       st.Title,
				"studyId":          st.ID,
				"organisationName": st.OrganisationName,
				"dueDate":          st.DueAt.UTC().Format(dueDateLayout),
			}
			s.withServiceURL(data)
			events = append(events, notification.NewEvent(notification.AssessmentReminder, st.ID, period, r, data))
		}
	}

	sortEvents(events)
	return events, nil
}

// contactRule emits one event per changelog entry of the given kind,
// addressed to the contact the change is about.
func (s *Scan) contactRule(kind ChangeKind, eventType notification.EventType) func(context.Context) ([]notification.Event, error) {
	return func(ctx context.Context) ([]notification.Event, error) {
		changes, err := s.loadChanges(ctx)
		if err != nil {
			return nil, err
		}

		var events []notification.Event
		for _, ch := range changes {
			if ch.Kind != kind {
				continue
			}
			if strings.TrimSpace(ch.ContactEmail) == "" {
				s.d.logger.Warn("contact change has no email address", map[string]interface{}{
					"changeId":       ch.ID,
					"contactId":      ch.ContactID,
					"organisationId": ch.OrganisationID,
				})
				continue
			}

			r := notification.Recipient{Email: strings.TrimSpace(ch.ContactEmail), Name: ch.ContactName}
			data := map[string]string{
				"recipientName":    displayName(r),
				"contactName":      displayName(r),
				"organisationName": ch.OrganisationName,
			}
			s.withServiceURL(data)

			subject := ch.OrganisationID + "/" + ch.ContactID
			events = append(events, notification.NewEvent(eventType, subject, strconv.FormatInt(ch.ID, 10), r, data))
		}

		sortEvents(events)
		return events, nil
	}
}

// loadChanges reads one bounded batch of the changelog past the stored
// watermark. Both contact rules share the batch.
func (s *Scan) loadChanges(ctx context.Context) ([]ContactChange, error) {
	if s.changesLoaded {
		return s.changes, nil
	}

	from, err := s.d.watermarks.Watermark(ctx, ContactWatermark)
	if err != nil {
		return nil, sourceError("watermark", err)
	}

	changes, err := s.d.changes.ContactChanges(ctx, from, s.d.cfg.ContactBatchSize)
	if err != nil {
		return nil, sourceError("contact changes", err)
	}

	head := from
	for _, ch := range changes {
		if ch.ID > head {
			head = ch.ID
		}
	}

	s.changes, s.from, s.head, s.changesLoaded = changes, from, head, true
	return changes, nil
}

func (s *Scan) withServiceURL(data map[string]string) {
	if s.d.cfg.ServiceURL != "" {
		data["serviceUrl"] = strings.TrimSuffix(s.d.cfg.ServiceURL, "/")
	}
}

func displayName(r notification.Recipient) string {
	if strings.TrimSpace(r.Name) != "" {
		return strings.TrimSpace(r.Name)
	}
	return r.Email
}

func uniqueRecipients(in []notification.Recipient) []notification.Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]notification.Recipient, 0, len(in))
	for _, r := range in {
		key := strings.ToLower(strings.TrimSpace(r.Email))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func sortEvents(events []notification.Event) {
	sort.SliceStable(events, func(i, j int) bool { return notification.Less(events[i], events[j]) })
}
