package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// License is the local record for one issued license key.
type License struct {
	Key              string
	CustomerID       string
	SubscriptionID   string
	PlanID           string
	MaxTerminals     int
	ActivationCount  int
	IsActive         bool
	RevokedAt        *time.Time
	RevocationReason string
	IssuedAt         time.Time
	ExpiresAt        *time.Time
}

// Activation binds one license to one machine id hash.
type Activation struct {
	ID              int64
	LicenseKey      string
	MachineIDHash   string
	TerminalName    string
	FirstActivation time.Time
	LastHeartbeat   *time.Time
	IsActive        bool
	DeactivatedAt   *time.Time
	IPAddress       string
	Location        string
}

// InsertLicense persists a freshly minted license.
func (s *Store) InsertLicense(ctx context.Context, tx *sql.Tx, l License) error {
	if l.IssuedAt.IsZero() {
		l.IssuedAt = time.Now().UTC()
	}
	_, err := execer(s, tx).ExecContext(ctx, `
		INSERT INTO licenses
			(license_key, customer_id, subscription_id, plan_id, max_terminals,
			 activation_count, is_active, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 0, 1, ?, ?)`,
		l.Key, l.CustomerID, l.SubscriptionID, l.PlanID, l.MaxTerminals,
		millis(l.IssuedAt), nullMillis(l.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert license %s: %w", l.Key, err)
	}
	return nil
}

// GetLicense fetches one license row; tx may be nil for a plain read.
func (s *Store) GetLicense(ctx context.Context, tx *sql.Tx, key string) (*License, error) {
	row := execer(s, tx).QueryRowContext(ctx, `
		SELECT license_key, customer_id, subscription_id, plan_id, max_terminals,
		       activation_count, is_active, revoked_at, revocation_reason, issued_at, expires_at
		FROM licenses WHERE license_key = ?`, key)

	var l License
	var active int
	var revokedAt, expiresAt sql.NullInt64
	var reason sql.NullString
	var issued int64
	err := row.Scan(&l.Key, &l.CustomerID, &l.SubscriptionID, &l.PlanID, &l.MaxTerminals,
		&l.ActivationCount, &active, &revokedAt, &reason, &issued, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license %s: %w", key, err)
	}
	l.IsActive = active == 1
	l.RevokedAt = scanNullTime(revokedAt)
	l.RevocationReason = reason.String
	l.IssuedAt = fromMillis(issued)
	l.ExpiresAt = scanNullTime(expiresAt)
	return &l, nil
}

// ListLicensesForSubscription returns all licenses minted for a
// subscription, active or not.
func (s *Store) ListLicensesForSubscription(ctx context.Context, tx *sql.Tx, subscriptionID string) ([]License, error) {
	rows, err := execer(s, tx).QueryContext(ctx, `
		SELECT license_key, customer_id, subscription_id, plan_id, max_terminals,
		       activation_count, is_active, revoked_at, revocation_reason, issued_at, expires_at
		FROM licenses WHERE subscription_id = ?
		ORDER BY issued_at ASC`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list licenses for subscription %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		var l License
		var active int
		var revokedAt, expiresAt sql.NullInt64
		var reason sql.NullString
		var issued int64
		if err := rows.Scan(&l.Key, &l.CustomerID, &l.SubscriptionID, &l.PlanID, &l.MaxTerminals,
			&l.ActivationCount, &active, &revokedAt, &reason, &issued, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		l.IsActive = active == 1
		l.RevokedAt = scanNullTime(revokedAt)
		l.RevocationReason = reason.String
		l.IssuedAt = fromMillis(issued)
		l.ExpiresAt = scanNullTime(expiresAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// RevokeLicense flips the license inactive and deactivates every activation
// it owns, in the caller's transaction.
func (s *Store) RevokeLicense(ctx context.Context, tx *sql.Tx, key, reason string) error {
	now := millis(time.Now().UTC())
	if _, err := tx.ExecContext(ctx, `
		UPDATE licenses SET is_active = 0, revoked_at = ?, revocation_reason = ?
		WHERE license_key = ?`, now, reason, key); err != nil {
		return fmt.Errorf("revoke license %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE activations SET is_active = 0, deactivated_at = ?
		WHERE license_key = ? AND is_active = 1`, now, key); err != nil {
		return fmt.Errorf("deactivate activations for %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE licenses SET activation_count = 0 WHERE license_key = ?`, key); err != nil {
		return fmt.Errorf("reset activation count for %s: %w", key, err)
	}
	return nil
}

// ReinstateLicense re-enables a previously revoked license when its
// subscription comes back to life.
func (s *Store) ReinstateLicense(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := execer(s, tx).ExecContext(ctx, `
		UPDATE licenses SET is_active = 1, revoked_at = NULL, revocation_reason = NULL
		WHERE license_key = ?`, key)
	if err != nil {
		return fmt.Errorf("reinstate license %s: %w", key, err)
	}
	return nil
}

// GetActiveActivation finds the live activation for (license, machine).
func (s *Store) GetActiveActivation(ctx context.Context, tx *sql.Tx, licenseKey, machineIDHash string) (*Activation, error) {
	row := execer(s, tx).QueryRowContext(ctx, `
		SELECT id, license_key, machine_id_hash, terminal_name, first_activation,
		       last_heartbeat, is_active, deactivated_at, ip_address, location
		FROM activations
		WHERE license_key = ? AND machine_id_hash = ? AND is_active = 1
		LIMIT 1`, licenseKey, machineIDHash)
	a, err := scanActivation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activation for %s: %w", licenseKey, err)
	}
	return a, nil
}

// ListActiveActivations returns the live activations of a license in
// activation order.
func (s *Store) ListActiveActivations(ctx context.Context, tx *sql.Tx, licenseKey string) ([]Activation, error) {
	rows, err := execer(s, tx).QueryContext(ctx, `
		SELECT id, license_key, machine_id_hash, terminal_name, first_activation,
		       last_heartbeat, is_active, deactivated_at, ip_address, location
		FROM activations
		WHERE license_key = ? AND is_active = 1
		ORDER BY first_activation ASC`, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("list activations for %s: %w", licenseKey, err)
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// InsertActivation creates a new activation and bumps the license's
// activation count with an atomic increment, inside the caller's
// transaction.
func (s *Store) InsertActivation(ctx context.Context, tx *sql.Tx, a Activation) (int64, error) {
	if a.FirstActivation.IsZero() {
		a.FirstActivation = time.Now().UTC()
	}
	hb := millis(a.FirstActivation)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO activations
			(license_key, machine_id_hash, terminal_name, first_activation,
			 last_heartbeat, is_active, ip_address, location)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		a.LicenseKey, a.MachineIDHash, a.TerminalName, millis(a.FirstActivation),
		hb, nullString(a.IPAddress), nullString(a.Location))
	if err != nil {
		return 0, fmt.Errorf("insert activation for %s: %w", a.LicenseKey, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE licenses SET activation_count = activation_count + 1
		WHERE license_key = ?`, a.LicenseKey); err != nil {
		return 0, fmt.Errorf("increment activation count for %s: %w", a.LicenseKey, err)
	}
	return id, nil
}

// DeactivateActivation soft-flips one activation and decrements the
// license's activation count. voluntary marks an operator-requested
// release, which counts against the yearly cap; displacement does not.
func (s *Store) DeactivateActivation(ctx context.Context, tx *sql.Tx, activationID int64, licenseKey string, voluntary bool) error {
	now := millis(time.Now().UTC())
	vol := 0
	if voluntary {
		vol = 1
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE activations SET is_active = 0, deactivated_at = ?, voluntary = ?
		WHERE id = ? AND is_active = 1`, now, vol, activationID)
	if err != nil {
		return fmt.Errorf("deactivate activation %d: %w", activationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE licenses SET activation_count = MAX(activation_count - 1, 0)
		WHERE license_key = ?`, licenseKey); err != nil {
		return fmt.Errorf("decrement activation count for %s: %w", licenseKey, err)
	}
	return nil
}

// UpdateHeartbeat touches last_heartbeat for a live activation.
func (s *Store) UpdateHeartbeat(ctx context.Context, tx *sql.Tx, licenseKey, machineIDHash string, at time.Time) error {
	_, err := execer(s, tx).ExecContext(ctx, `
		UPDATE activations SET last_heartbeat = ?
		WHERE license_key = ? AND machine_id_hash = ? AND is_active = 1`,
		millis(at), licenseKey, machineIDHash)
	if err != nil {
		return fmt.Errorf("update heartbeat for %s: %w", licenseKey, err)
	}
	return nil
}

// CountDeactivationsSince counts voluntary deactivations recorded for a
// license after the given time. Revocation cascades and grace-window
// displacement are involuntary and never show up here. tx may be non-nil
// so the rate-limit check shares the transaction that enforces it.
func (s *Store) CountDeactivationsSince(ctx context.Context, tx *sql.Tx, licenseKey string, since time.Time) (int, error) {
	var n int
	err := execer(s, tx).QueryRowContext(ctx, `
		SELECT COUNT(1) FROM activations
		WHERE license_key = ? AND voluntary = 1
		  AND deactivated_at IS NOT NULL AND deactivated_at >= ?`,
		licenseKey, millis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deactivations for %s: %w", licenseKey, err)
	}
	return n, nil
}

// MigrateActivations repoints every live activation from one license key to
// another and moves the activation count with them.
func (s *Store) MigrateActivations(ctx context.Context, tx *sql.Tx, oldKey, newKey string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE activations SET license_key = ?
		WHERE license_key = ? AND is_active = 1`, newKey, oldKey)
	if err != nil {
		return 0, fmt.Errorf("migrate activations %s -> %s: %w", oldKey, newKey, err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE licenses SET activation_count = activation_count + ?
			WHERE license_key = ?`, moved, newKey); err != nil {
			return 0, fmt.Errorf("bump activation count for %s: %w", newKey, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE licenses SET activation_count = MAX(activation_count - ?, 0)
			WHERE license_key = ?`, moved, oldKey); err != nil {
			return 0, fmt.Errorf("drop activation count for %s: %w", oldKey, err)
		}
	}
	return moved, nil
}

func scanActivation(row rowScanner) (*Activation, error) {
	var a Activation
	var active int
	var first int64
	var hb, deact sql.NullInt64
	var ip, loc sql.NullString
	err := row.Scan(&a.ID, &a.LicenseKey, &a.MachineIDHash, &a.TerminalName,
		&first, &hb, &active, &deact, &ip, &loc)
	if err != nil {
		return nil, err
	}
	a.FirstActivation = fromMillis(first)
	a.LastHeartbeat = scanNullTime(hb)
	a.IsActive = active == 1
	a.DeactivatedAt = scanNullTime(deact)
	a.IPAddress = ip.String
	a.Location = loc.String
	return &a, nil
}

// dbExecer lets read helpers run against either the pool or an open
// transaction.
type dbExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execer(s *Store, tx *sql.Tx) dbExecer {
	if tx != nil {
		return tx
	}
	return s.db
}
