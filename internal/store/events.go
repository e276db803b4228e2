package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
)

// StoredEvent is one row of the append-only event table.
type StoredEvent struct {
	EventID    string
	LicenseKey string
	Type       event.Type
	Payload    json.RawMessage
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Envelope reconstructs the wire envelope for a stored event.
func (e StoredEvent) Envelope() event.Envelope {
	return event.Envelope{
		ID:         e.EventID,
		Type:       e.Type,
		Timestamp:  e.CreatedAt,
		LicenseKey: e.LicenseKey,
		Data:       e.Payload,
	}
}

// AppendEvent inserts an event. A duplicate event_id is a silent success;
// events are immutable once written.
func (s *Store) AppendEvent(ctx context.Context, env event.Envelope, ttl time.Duration) error {
	if err := env.Validate(); err != nil {
		return err
	}
	created := env.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, license_key, type, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		env.ID, env.LicenseKey, string(env.Type), string(env.Data),
		millis(created), millis(created.Add(ttl)))
	if err != nil {
		return fmt.Errorf("append event %s: %w", env.ID, err)
	}
	return nil
}

// ReinjectEvent puts a dead-lettered event back inside the replay window.
// An existing row gets a refreshed expiry; the original may be long
// TTL-swept by the time an operator retries.
func (s *Store) ReinjectEvent(ctx context.Context, env event.Envelope, expiresAt time.Time) error {
	if err := env.Validate(); err != nil {
		return err
	}
	created := env.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, license_key, type, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET expires_at = excluded.expires_at`,
		env.ID, env.LicenseKey, string(env.Type), string(env.Data),
		millis(created), millis(expiresAt))
	if err != nil {
		return fmt.Errorf("reinject event %s: %w", env.ID, err)
	}
	return nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, license_key, type, payload, created_at, expires_at
		FROM events WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

// ListEventsAfter returns non-expired events for a license created strictly
// after the cursor event's creation time, in creation order. A missing or
// empty cursor replays the whole retained window.
func (s *Store) ListEventsAfter(ctx context.Context, licenseKey, cursorEventID string, now time.Time) ([]StoredEvent, error) {
	var after int64
	if cursorEventID != "" {
		cursor, err := s.GetEvent(ctx, cursorEventID)
		if err != nil {
			return nil, err
		}
		// An expired or unknown cursor means the client fell outside the
		// replay window; replay everything retained.
		if cursor != nil {
			after = millis(cursor.CreatedAt)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, license_key, type, payload, created_at, expires_at
		FROM events
		WHERE license_key = ? AND created_at > ? AND expires_at > ?
		ORDER BY created_at ASC, event_id ASC`,
		licenseKey, after, millis(now))
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", licenseKey, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListUnacknowledged returns events inside the retention window, older than
// lag, with no successful acknowledgement, whose next retry (if any) is due.
// This joins the ack ledger and retry history for the retry engine.
func (s *Store) ListUnacknowledged(ctx context.Context, now time.Time, lag time.Duration, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.license_key, e.type, e.payload, e.created_at, e.expires_at
		FROM events e
		WHERE e.created_at <= ?
		  AND e.expires_at > ?
		  AND NOT EXISTS (
			SELECT 1 FROM acknowledgements a
			WHERE a.event_id = e.event_id AND a.status = 'success'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM dead_letter_events d WHERE d.event_id = e.event_id
		  )
		  AND COALESCE((
			SELECT MAX(r.next_retry_at) FROM retry_attempts r
			WHERE r.event_id = e.event_id
		  ), 0) <= ?
		ORDER BY e.created_at ASC
		LIMIT ?`,
		millis(now.Add(-lag)), millis(now), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list unacknowledged events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ScanExpiring returns events whose expiry falls before the given time.
func (s *Store) ScanExpiring(ctx context.Context, before time.Time, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, license_key, type, payload, created_at, expires_at
		FROM events WHERE expires_at < ?
		ORDER BY expires_at ASC LIMIT ?`,
		millis(before), limit)
	if err != nil {
		return nil, fmt.Errorf("scan expiring events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// DeleteExpired removes events past their TTL and returns the count.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE expires_at < ?`, millis(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*StoredEvent, error) {
	var e StoredEvent
	var typ, payload string
	var created, expires int64
	err := row.Scan(&e.EventID, &e.LicenseKey, &typ, &payload, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Type = event.Type(typ)
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = fromMillis(created)
	e.ExpiresAt = fromMillis(expires)
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var out []StoredEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
