package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
)

// Acknowledgement records one terminal's reported outcome for one event.
type Acknowledgement struct {
	ID               int64
	EventID          string
	LicenseKey       string
	TerminalID       string
	Status           event.AckStatus
	ErrorMessage     string
	ProcessingTimeMs int64
	AcknowledgedAt   time.Time
}

// InsertAck appends an acknowledgement row. A duplicate success for the
// same (event, terminal) is silently ignored; multiple failed rows are
// allowed so the retry engine and the pattern analyzer see every outcome.
func (s *Store) InsertAck(ctx context.Context, ack Acknowledgement) error {
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acknowledgements
			(event_id, license_key, terminal_id, status, error_message, processing_time_ms, acknowledged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, terminal_id) WHERE status = 'success' DO NOTHING`,
		ack.EventID, ack.LicenseKey, ack.TerminalID, string(ack.Status),
		nullString(ack.ErrorMessage), ack.ProcessingTimeMs, millis(ack.AcknowledgedAt))
	if err != nil {
		return fmt.Errorf("insert acknowledgement for %s: %w", ack.EventID, err)
	}
	return nil
}

// HasSuccessAck reports whether any terminal acknowledged the event
// successfully.
func (s *Store) HasSuccessAck(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM acknowledgements
		WHERE event_id = ? AND status = 'success'`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check success ack for %s: %w", eventID, err)
	}
	return n > 0, nil
}

// ListAcksForEvent returns the full acknowledgement history of one event.
func (s *Store) ListAcksForEvent(ctx context.Context, eventID string) ([]Acknowledgement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, license_key, terminal_id, status, error_message, processing_time_ms, acknowledged_at
		FROM acknowledgements WHERE event_id = ?
		ORDER BY acknowledged_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list acks for %s: %w", eventID, err)
	}
	defer rows.Close()
	return collectAcks(rows)
}

// ListFailedAcksSince returns failed acknowledgements in the analysis
// window, newest last, for the pattern analyzer.
func (s *Store) ListFailedAcksSince(ctx context.Context, since time.Time) ([]Acknowledgement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, license_key, terminal_id, status, error_message, processing_time_ms, acknowledged_at
		FROM acknowledgements
		WHERE status = 'failed' AND acknowledged_at >= ?
		ORDER BY acknowledged_at ASC`, millis(since))
	if err != nil {
		return nil, fmt.Errorf("list failed acks: %w", err)
	}
	defer rows.Close()
	return collectAcks(rows)
}

func collectAcks(rows *sql.Rows) ([]Acknowledgement, error) {
	var out []Acknowledgement
	for rows.Next() {
		var a Acknowledgement
		var status string
		var errMsg sql.NullString
		var acked int64
		if err := rows.Scan(&a.ID, &a.EventID, &a.LicenseKey, &a.TerminalID,
			&status, &errMsg, &a.ProcessingTimeMs, &acked); err != nil {
			return nil, fmt.Errorf("scan acknowledgement: %w", err)
		}
		a.Status = event.AckStatus(status)
		a.ErrorMessage = errMsg.String
		a.AcknowledgedAt = fromMillis(acked)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
