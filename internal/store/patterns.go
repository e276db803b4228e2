package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FailurePattern is a named cluster of acknowledgement failures detected by
// the analyzer for one license.
type FailurePattern struct {
	ID              int64
	LicenseKey      string
	PatternType     string
	Severity        string
	OccurrenceCount int
	FirstSeen       time.Time
	LastSeen        time.Time
	Resolved        bool
	ResolvedBy      string
	ResolutionNotes string
}

// UpsertFailurePattern records a detection. An open pattern for the same
// (license, type) accumulates occurrences; resolved patterns stay closed.
func (s *Store) UpsertFailurePattern(ctx context.Context, p FailurePattern) error {
	now := time.Now().UTC()
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_patterns
			(license_key, pattern_type, severity, occurrence_count, first_seen, last_seen, resolved)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(license_key, pattern_type) WHERE resolved = 0 DO UPDATE SET
			occurrence_count = failure_patterns.occurrence_count + excluded.occurrence_count,
			severity = excluded.severity,
			last_seen = excluded.last_seen`,
		p.LicenseKey, p.PatternType, p.Severity, p.OccurrenceCount,
		millis(p.FirstSeen), millis(p.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert failure pattern %s/%s: %w", p.LicenseKey, p.PatternType, err)
	}
	return nil
}

// ListFailurePatterns returns patterns, optionally only unresolved ones.
func (s *Store) ListFailurePatterns(ctx context.Context, onlyOpen bool, limit int) ([]FailurePattern, error) {
	query := `
		SELECT id, license_key, pattern_type, severity, occurrence_count,
		       first_seen, last_seen, resolved, resolved_by, resolution_notes
		FROM failure_patterns`
	if onlyOpen {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY last_seen DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list failure patterns: %w", err)
	}
	defer rows.Close()

	var out []FailurePattern
	for rows.Next() {
		var p FailurePattern
		var resolved int
		var first, last int64
		var by, notes sql.NullString
		if err := rows.Scan(&p.ID, &p.LicenseKey, &p.PatternType, &p.Severity,
			&p.OccurrenceCount, &first, &last, &resolved, &by, &notes); err != nil {
			return nil, fmt.Errorf("scan failure pattern: %w", err)
		}
		p.FirstSeen = fromMillis(first)
		p.LastSeen = fromMillis(last)
		p.Resolved = resolved == 1
		p.ResolvedBy = by.String
		p.ResolutionNotes = notes.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResolveFailurePattern closes a pattern with operator notes.
func (s *Store) ResolveFailurePattern(ctx context.Context, id int64, resolvedBy, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE failure_patterns SET resolved = 1, resolved_by = ?, resolution_notes = ?
		WHERE id = ? AND resolved = 0`, resolvedBy, nullString(notes), id)
	if err != nil {
		return fmt.Errorf("resolve failure pattern %d: %w", id, err)
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
