package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/notification"
)

const entryColumns = `event_id, event_type, subject_entity_id, period, recipient_email, recipient_name,
	template_data, status, attempt_count, last_error, last_attempt_at, created_at, updated_at`

// PostgresStore keeps the ledger and watermarks in PostgreSQL. The
// notification_ledger primary key provides the atomic insert-if-absent.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, ev notification.Event, now time.Time) (bool, error) {
	data, err := json.Marshal(ev.TemplateData)
	if err != nil {
		return false, fmt.Errorf("marshal template data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_ledger (
			event_id, event_type, subject_entity_id, period, recipient_email, recipient_name,
			template_data, status, attempt_count, last_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9, $9)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID,
		string(ev.Type),
		ev.SubjectEntityID,
		ev.Period,
		ev.Recipient.Email,
		ev.Recipient.Name,
		data,
		string(StatusClaimed),
		now,
	)
	if err != nil {
		return false, errors.NewLedgerUnavailableError("insert", err)
	}
	return affectedOne(res, "insert")
}

func (s *PostgresStore) Reclaim(ctx context.Context, eventID string, from Status, attemptCount int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_ledger
		SET status = $1, attempt_count = attempt_count + 1, last_attempt_at = $2, updated_at = $2
		WHERE event_id = $3 AND status = $4 AND attempt_count = $5`,
		string(StatusClaimed), now, eventID, string(from), attemptCount,
	)
	if err != nil {
		return false, errors.NewLedgerUnavailableError("reclaim", err)
	}
	return affectedOne(res, "reclaim")
}

func (s *PostgresStore) Resolve(ctx context.Context, eventID string, to Status, lastError string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_ledger
		SET status = $1, last_error = $2, updated_at = $3
		WHERE event_id = $4 AND status = $5`,
		string(to), lastError, now, eventID, string(StatusClaimed),
	)
	if err != nil {
		return false, errors.NewLedgerUnavailableError("resolve", err)
	}
	return affectedOne(res, "resolve")
}

func (s *PostgresStore) ListRetryable(ctx context.Context, q RetryQuery) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM notification_ledger
		WHERE attempt_count < $1
		  AND (status = $2 OR (status = $3 AND last_attempt_at < $4))
		ORDER BY last_attempt_at, event_id
		LIMIT $5`,
		q.MaxAttempts, string(StatusFailed), string(StatusClaimed), q.StaleBefore, q.Limit,
	)
	if err != nil {
		return nil, errors.NewLedgerUnavailableError("list retryable", err)
	}
	return scanEntries(rows, "list retryable")
}

func (s *PostgresStore) FinalizeExhausted(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE notification_ledger
		SET status = $1,
		    last_error = CASE WHEN last_error = '' THEN 'attempts exhausted' ELSE last_error END,
		    updated_at = $2
		WHERE attempt_count >= $3
		  AND (status = $4 OR (status = $5 AND last_attempt_at < $6))
		RETURNING `+entryColumns,
		string(StatusFailedFinal), now, maxAttempts, string(StatusFailed), string(StatusClaimed), staleBefore,
	)
	if err != nil {
		return nil, errors.NewLedgerUnavailableError("finalize exhausted", err)
	}
	return scanEntries(rows, "finalize exhausted")
}

func (s *PostgresStore) ListFinalFailures(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM notification_ledger
		WHERE status = $1
		ORDER BY updated_at DESC, event_id
		LIMIT $2`,
		string(StatusFailedFinal), limit,
	)
	if err != nil {
		return nil, errors.NewLedgerUnavailableError("list final failures", err)
	}
	return scanEntries(rows, "list final failures")
}

// Watermark returns the stored position for name, or 0 if none is stored.
func (s *PostgresStore) Watermark(ctx context.Context, name string) (int64, error) {
	var position int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM notification_watermarks WHERE name = $1`, name,
	).Scan(&position)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewLedgerUnavailableError("read watermark", err)
	}
	return position, nil
}

// AdvanceWatermark stores position for name. The stored position never
// moves backwards.
func (s *PostgresStore) AdvanceWatermark(ctx context.Context, name string, position int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_watermarks (name, position, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET position = GREATEST(notification_watermarks.position, EXCLUDED.position),
		    updated_at = EXCLUDED.updated_at`,
		name, position, now,
	)
	if err != nil {
		return errors.NewLedgerUnavailableError("advance watermark", err)
	}
	return nil
}

func affectedOne(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewLedgerUnavailableError(op, err)
	}
	return n == 1, nil
}

func scanEntries(rows *sql.Rows, op string) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			eventType     string
			status        string
			data          []byte
			lastAttemptAt sql.NullTime
		)
		if err := rows.Scan(
			&e.Event.ID,
			&eventType,
			&e.Event.SubjectEntityID,
			&e.Event.Period,
			&e.Event.Recipient.Email,
			&e.Event.Recipient.Name,
			&data,
			&status,
			&e.AttemptCount,
			&e.LastError,
			&lastAttemptAt,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, errors.NewLedgerUnavailableError(op, err)
		}

		e.Event.Type = notification.EventType(eventType)
		e.Status = Status(status)
		if lastAttemptAt.Valid {
			e.LastAttemptAt = lastAttemptAt.Time
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Event.TemplateData); err != nil {
				return nil, fmt.Errorf("decode template data for %s: %w", e.Event.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewLedgerUnavailableError(op, err)
	}
	return entries, nil
}
