package detector

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-monitor/internal/common/auth"
	"notification-monitor/internal/notification"
)

func newMockSource(t *testing.T) (*PostgresSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresSource(db), mock
}

func TestPostgresSource_DueStudies(t *testing.T) {
	src, mock := newMockSource(t)
	from := date(2026, 2, 24)
	to := from.Add(15 * 24 * time.Hour)

	mock.ExpectQuery(`FROM studies s\s+JOIN organisations o`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "organisation_id", "name", "next_assessment_due_at"}).
			AddRow("S1", "Cohort A", "o1", "Org One", date(2026, 3, 1)))

	studies, err := src.DueStudies(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, []Study{{ID: "S1", Title: "Cohort A", OrganisationID: "o1", OrganisationName: "Org One", DueAt: date(2026, 3, 1)}}, studies)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_ContactChanges(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(`FROM organisation_contact_changes c`).
		WithArgs(int64(40), 500).
		WillReturnRows(sqlmock.NewRows([]string{"id", "change_type", "organisation_id", "name", "contact_id", "contact_name", "contact_email", "changed_at"}).
			AddRow(int64(41), "assigned", "o1", "Org One", "C1", "Chris", "c1@example.org", date(2026, 2, 20)).
			AddRow(int64(42), "removed", "o1", "Org One", "C2", "Casey", "c2@example.org", date(2026, 2, 21)))

	changes, err := src.ContactChanges(context.Background(), 40, 500)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeAssigned, changes[0].Kind)
	assert.Equal(t, ChangeRemoved, changes[1].Kind)
	assert.Equal(t, int64(42), changes[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_Recipients(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(`FROM organisation_contacts\s+WHERE organisation_id = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_id", "email", "name"}).
			AddRow("o1", "ada@example.org", "Ada").
			AddRow("o1", "bob@example.org", "Bob").
			AddRow("o2", "olga@example.org", "Olga"))

	got, err := src.Recipients(context.Background(), []string{"o1", "o2"})
	require.NoError(t, err)
	assert.Len(t, got["o1"], 2)
	assert.Equal(t, []notification.Recipient{{Email: "olga@example.org", Name: "Olga"}}, got["o2"])
	assert.NoError(t, mock.ExpectationsWereMet())

	empty, err := src.Recipients(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresSource_QueryError(t *testing.T) {
	src, mock := newMockSource(t)
	mock.ExpectQuery(`FROM studies`).WillReturnError(stderrors.New("relation does not exist"))

	_, err := src.DueStudies(context.Background(), date(2026, 1, 1), date(2026, 1, 2))
	assert.Error(t, err)
}

type fakeDirectory struct {
	groups  map[string]string
	members map[string][]auth.User
	err     error
}

func (f *fakeDirectory) GroupByPath(_ context.Context, path string) (*auth.Group, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.groups[path]
	if !ok {
		return nil, auth.ErrGroupNotFound
	}
	return &auth.Group{ID: id, Path: path}, nil
}

func (f *fakeDirectory) GroupMembers(_ context.Context, groupID string) ([]auth.User, error) {
	return f.members[groupID], nil
}

func TestKeycloakResolver_Recipients(t *testing.T) {
	dir := &fakeDirectory{
		groups: map[string]string{"/organisations/o1": "g-1"},
		members: map[string][]auth.User{"g-1": {
			{Email: "ada@example.org", FirstName: "Ada", LastName: "Lovelace", Enabled: true},
			{Email: "gone@example.org", Enabled: false},
			{Username: "nomail", Enabled: true},
		}},
	}
	resolver := NewKeycloakResolver(dir, "/organisations")

	got, err := resolver.Recipients(context.Background(), []string{"o1", "o2"})
	require.NoError(t, err)
	assert.Equal(t, []notification.Recipient{{Email: "ada@example.org", Name: "Ada Lovelace"}}, got["o1"])
	assert.Empty(t, got["o2"])
}

func TestKeycloakResolver_DirectoryFailure(t *testing.T) {
	boom := stderrors.New("keycloak down")
	resolver := NewKeycloakResolver(&fakeDirectory{err: boom}, "/organisations/")

	_, err := resolver.Recipients(context.Background(), []string{"o1"})
	assert.ErrorIs(t, err, boom)
}
