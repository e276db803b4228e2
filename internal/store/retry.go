package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
)

// RetryResult enumerates the outcome of one retry attempt.
type RetryResult string

const (
	RetrySuccess RetryResult = "success"
	RetryFailed  RetryResult = "failed"
	RetryTimeout RetryResult = "timeout"
)

// RetryAttempt is one row of the append-only retry history.
type RetryAttempt struct {
	EventID        string
	AttemptNumber  int
	Result         RetryResult
	ErrorMessage   string
	NextRetryAt    *time.Time
	AttemptedAt    time.Time
	BackoffDelayMs int64
}

// InsertRetryAttempt appends a retry attempt row.
func (s *Store) InsertRetryAttempt(ctx context.Context, a RetryAttempt) error {
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_attempts
			(event_id, attempt_number, result, error_message, next_retry_at, attempted_at, backoff_delay_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.EventID, a.AttemptNumber, string(a.Result), nullString(a.ErrorMessage),
		nullMillis(a.NextRetryAt), millis(a.AttemptedAt), a.BackoffDelayMs)
	if err != nil {
		return fmt.Errorf("insert retry attempt for %s: %w", a.EventID, err)
	}
	return nil
}

// CountRetryAttempts returns how many attempts were recorded for an event.
func (s *Store) CountRetryAttempts(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM retry_attempts WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retry attempts for %s: %w", eventID, err)
	}
	return n, nil
}

// LastRetryError returns the most recent error message recorded for an
// event, if any.
func (s *Store) LastRetryError(ctx context.Context, eventID string) (string, error) {
	var msg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT error_message FROM retry_attempts
		WHERE event_id = ? ORDER BY attempt_number DESC LIMIT 1`, eventID).Scan(&msg)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last retry error for %s: %w", eventID, err)
	}
	return msg.String, nil
}

// DLQStatus enumerates the operator-facing dead letter states.
type DLQStatus string

const (
	DLQPendingReview DLQStatus = "pending_review"
	DLQRetrying      DLQStatus = "retrying"
	DLQResolved      DLQStatus = "resolved"
	DLQAbandoned     DLQStatus = "abandoned"
)

// DeadLetterEntry is an event whose retries were exhausted.
type DeadLetterEntry struct {
	EventID           string
	LicenseKey        string
	Type              event.Type
	Payload           json.RawMessage
	OriginalCreatedAt time.Time
	RetryCount        int
	LastErrorMessage  string
	LastErrorAt       *time.Time
	Status            DLQStatus
	ResolvedBy        string
	ResolvedAt        *time.Time
	ResolutionNotes   string
	FailedAt          time.Time
}

// InsertDeadLetter moves an event into the dead letter queue. The event_id
// primary key makes a second escalation a no-op.
func (s *Store) InsertDeadLetter(ctx context.Context, d DeadLetterEntry) error {
	if d.FailedAt.IsZero() {
		d.FailedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DLQPendingReview
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_events
			(event_id, license_key, type, payload, original_created_at, retry_count,
			 last_error_message, last_error_at, status, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		d.EventID, d.LicenseKey, string(d.Type), string(d.Payload),
		millis(d.OriginalCreatedAt), d.RetryCount, nullString(d.LastErrorMessage),
		nullMillis(d.LastErrorAt), string(d.Status), millis(d.FailedAt))
	if err != nil {
		return fmt.Errorf("insert dead letter for %s: %w", d.EventID, err)
	}
	return nil
}

// GetDeadLetter fetches one DLQ entry.
func (s *Store) GetDeadLetter(ctx context.Context, eventID string) (*DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, license_key, type, payload, original_created_at, retry_count,
		       last_error_message, last_error_at, status, resolved_by, resolved_at,
		       resolution_notes, failed_at
		FROM dead_letter_events WHERE event_id = ?`, eventID)
	d, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDeadLetters returns DLQ entries filtered by status, newest failures
// first. Empty status lists everything.
func (s *Store) ListDeadLetters(ctx context.Context, status DLQStatus, limit int) ([]DeadLetterEntry, error) {
	query := `
		SELECT event_id, license_key, type, payload, original_created_at, retry_count,
		       last_error_message, last_error_at, status, resolved_by, resolved_at,
		       resolution_notes, failed_at
		FROM dead_letter_events`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY failed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDeadLetterStatus transitions a DLQ entry and records the operator.
func (s *Store) UpdateDeadLetterStatus(ctx context.Context, eventID string, status DLQStatus, resolvedBy, notes string) error {
	now := time.Now().UTC()
	var resolvedAt any
	if status == DLQResolved || status == DLQAbandoned {
		resolvedAt = millis(now)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_events
		SET status = ?, resolved_by = ?, resolved_at = ?, resolution_notes = ?
		WHERE event_id = ?`,
		string(status), nullString(resolvedBy), resolvedAt, nullString(notes), eventID)
	if err != nil {
		return fmt.Errorf("update dead letter %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanDeadLetter(row rowScanner) (*DeadLetterEntry, error) {
	var d DeadLetterEntry
	var typ, payload, status string
	var lastErr, resolvedBy, notes sql.NullString
	var created, failed int64
	var lastErrAt, resolvedAt sql.NullInt64
	err := row.Scan(&d.EventID, &d.LicenseKey, &typ, &payload, &created, &d.RetryCount,
		&lastErr, &lastErrAt, &status, &resolvedBy, &resolvedAt, &notes, &failed)
	if err != nil {
		return nil, err
	}
	d.Type = event.Type(typ)
	d.Payload = json.RawMessage(payload)
	d.OriginalCreatedAt = fromMillis(created)
	d.LastErrorMessage = lastErr.String
	d.LastErrorAt = scanNullTime(lastErrAt)
	d.Status = DLQStatus(status)
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = scanNullTime(resolvedAt)
	d.ResolutionNotes = notes.String
	d.FailedAt = fromMillis(failed)
	return &d, nil
}
