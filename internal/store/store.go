// Package store provides the durable relational layer for events,
// acknowledgements, retries, licenses, activations, and billing
// projections, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. SQLite works best with a single writer, so
// the pool is pinned to one connection; transactions use BEGIN IMMEDIATE to
// serialize the license/activation hot path.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Store initialized")
	return s, nil
}

var memSeq atomic.Int64

// NewMemory opens an in-memory database for tests. Each call gets its own
// database; the shared cache only ties together this store's connections.
func NewMemory() (*Store, error) {
	dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared&_busy_timeout=5000", memSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a write transaction. A returned error rolls the
// whole transaction back; there are no partial commits.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			license_key TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_license_created
			ON events(license_key, created_at);
		CREATE INDEX IF NOT EXISTS idx_events_expires
			ON events(expires_at);

		CREATE TABLE IF NOT EXISTS acknowledgements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			license_key TEXT NOT NULL,
			terminal_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('success','failed')),
			error_message TEXT,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			acknowledged_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_acks_event
			ON acknowledgements(event_id);
		CREATE INDEX IF NOT EXISTS idx_acks_license_time
			ON acknowledgements(license_key, acknowledged_at);
		-- At most one success per (event, terminal); duplicate successes are no-ops.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_acks_success_unique
			ON acknowledgements(event_id, terminal_id) WHERE status = 'success';

		CREATE TABLE IF NOT EXISTS retry_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			result TEXT NOT NULL CHECK (result IN ('success','failed','timeout')),
			error_message TEXT,
			next_retry_at INTEGER,
			attempted_at INTEGER NOT NULL,
			backoff_delay_ms INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_retry_event_attempt
			ON retry_attempts(event_id, attempt_number);

		CREATE TABLE IF NOT EXISTS dead_letter_events (
			event_id TEXT PRIMARY KEY,
			license_key TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			original_created_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL,
			last_error_message TEXT,
			last_error_at INTEGER,
			status TEXT NOT NULL DEFAULT 'pending_review'
				CHECK (status IN ('pending_review','retrying','resolved','abandoned')),
			resolved_by TEXT,
			resolved_at INTEGER,
			resolution_notes TEXT,
			failed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dlq_status_failed
			ON dead_letter_events(status, failed_at);

		CREATE TABLE IF NOT EXISTS webhook_receipts (
			external_event_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			error_info TEXT,
			received_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			name TEXT,
			external_customer_id TEXT UNIQUE,
			deleted_at INTEGER,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			billing_cycle TEXT NOT NULL DEFAULT 'monthly',
			status TEXT NOT NULL,
			current_period_start INTEGER,
			current_period_end INTEGER,
			cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
			canceled_at INTEGER,
			trial_start INTEGER,
			trial_end INTEGER,
			external_subscription_id TEXT UNIQUE,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_customer
			ON subscriptions(customer_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_status
			ON subscriptions(status);

		CREATE TABLE IF NOT EXISTS licenses (
			license_key TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			max_terminals INTEGER NOT NULL DEFAULT 1,
			activation_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			revoked_at INTEGER,
			revocation_reason TEXT,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_licenses_subscription
			ON licenses(subscription_id);

		CREATE TABLE IF NOT EXISTS activations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			license_key TEXT NOT NULL,
			machine_id_hash TEXT NOT NULL,
			terminal_name TEXT NOT NULL,
			first_activation INTEGER NOT NULL,
			last_heartbeat INTEGER,
			is_active INTEGER NOT NULL DEFAULT 1,
			deactivated_at INTEGER,
			-- Set only when the operator released the slot; revocation
			-- cascades and grace-window displacement leave it 0 so they
			-- never consume the yearly deactivation allowance.
			voluntary INTEGER NOT NULL DEFAULT 0,
			ip_address TEXT,
			location TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_activations_license_machine
			ON activations(license_key, machine_id_hash);

		CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_payment_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			currency TEXT NOT NULL DEFAULT 'gbp',
			status TEXT NOT NULL,
			paid_at INTEGER NOT NULL
		);
		-- One row per (invoice, outcome): the failed attempt and the eventual
		-- success on the same invoice are distinct records, redeliveries of
		-- either are not.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_external_status
			ON payments(external_payment_id, status);

		CREATE TABLE IF NOT EXISTS subscription_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscription_id TEXT NOT NULL,
			change_type TEXT NOT NULL,
			old_value TEXT,
			new_value TEXT,
			changed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_changes_subscription
			ON subscription_changes(subscription_id, changed_at);

		CREATE TABLE IF NOT EXISTS failure_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			license_key TEXT NOT NULL,
			pattern_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_by TEXT,
			resolution_notes TEXT
		);
		-- One open pattern per (license, type); detection upserts into it.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_open_unique
			ON failure_patterns(license_key, pattern_type) WHERE resolved = 0;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// millis converts a time to the integer milliseconds stored in the DB.
func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

// fromMillis converts stored milliseconds back to a UTC time.
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// nullMillis converts an optional time for storage.
func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return millis(*t)
}

// scanNullTime converts a nullable millisecond column.
func scanNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
