package detector

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"notification-monitor/internal/notification"
)

// PostgresSource reads studies, the contact changelog and organisation
// contacts from the study service database.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) DueStudies(ctx context.Context, from, to time.Time) ([]Study, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.title, o.id, o.name, s.next_assessment_due_at
		FROM studies s
		JOIN organisations o ON o.id = s.organisation_id
		WHERE s.next_assessment_due_at > $1
		  AND s.next_assessment_due_at <= $2
		  AND s.archived_at IS NULL
		ORDER BY s.id`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var studies []Study
	for rows.Next() {
		var st Study
		if err := rows.Scan(&st.ID, &st.Title, &st.OrganisationID, &st.OrganisationName, &st.DueAt); err != nil {
			return nil, err
		}
		studies = append(studies, st)
	}
	return studies, rows.Err()
}

func (p *PostgresSource) ContactChanges(ctx context.Context, after int64, limit int) ([]ContactChange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.change_type, c.organisation_id, o.name, c.contact_id,
		       c.contact_name, c.contact_email, c.changed_at
		FROM organisation_contact_changes c
		JOIN organisations o ON o.id = c.organisation_id
		WHERE c.id > $1
		ORDER BY c.id
		LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []ContactChange
	for rows.Next() {
		var (
			ch   ContactChange
			kind string
		)
		if err := rows.Scan(&ch.ID, &kind, &ch.OrganisationID, &ch.OrganisationName, &ch.ContactID,
			&ch.ContactName, &ch.ContactEmail, &ch.ChangedAt); err != nil {
			return nil, err
		}
		ch.Kind = ChangeKind(kind)
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// Recipients returns the current contacts of each organisation.
func (p *PostgresSource) Recipients(ctx context.Context, organisationIDs []string) (map[string][]notification.Recipient, error) {
	out := make(map[string][]notification.Recipient, len(organisationIDs))
	if len(organisationIDs) == 0 {
		return out, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT organisation_id, email, name
		FROM organisation_contacts
		WHERE organisation_id = ANY($1)
		ORDER BY organisation_id, email`,
		pq.Array(organisationIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orgID string
			r     notification.Recipient
		)
		if err := rows.Scan(&orgID, &r.Email, &r.Name); err != nil {
			return nil, err
		}
		out[orgID] = append(out[orgID], r)
	}
	return out, rows.Err()
}
