package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SubscriptionStatus values mirror the payment processor's vocabulary.
const (
	SubStatusActive    = "active"
	SubStatusTrialing  = "trialing"
	SubStatusPastDue   = "past_due"
	SubStatusCancelled = "cancelled"
)

// Customer is the local projection of a payment-processor customer.
type Customer struct {
	ID                 string
	Email              string
	Name               string
	ExternalCustomerID string
	DeletedAt          *time.Time
	CreatedAt          time.Time
}

// Subscription is the local projection of the processor's subscription.
// Rows are updated only inside webhook/ack transactions; the processor
// stays authoritative.
type Subscription struct {
	ID                     string
	CustomerID             string
	PlanID                 string
	BillingCycle           string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
	ExternalSubscriptionID string
	UpdatedAt              time.Time
}

// Payment records one processed payment, idempotent on the external id.
type Payment struct {
	ExternalPaymentID string
	SubscriptionID    string
	AmountCents       int64
	Currency          string
	Status            string
	PaidAt            time.Time
}

// SubscriptionChange is one audit row for a projection edit.
type SubscriptionChange struct {
	SubscriptionID string
	ChangeType     string
	OldValue       string
	NewValue       string
	ChangedAt      time.Time
}

// UpsertCustomer writes or refreshes a customer projection.
func (s *Store) UpsertCustomer(ctx context.Context, tx *sql.Tx, c Customer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := execer(s, tx).ExecContext(ctx, `
		INSERT INTO customers (id, email, name, external_customer_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, name = excluded.name`,
		c.ID, c.Email, nullString(c.Name), nullString(c.ExternalCustomerID), millis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert customer %s: %w", c.ID, err)
	}
	return nil
}

// GetCustomer fetches one customer by local id.
func (s *Store) GetCustomer(ctx context.Context, tx *sql.Tx, customerID string) (*Customer, error) {
	row := execer(s, tx).QueryRowContext(ctx, `
		SELECT id, email, name, external_customer_id, deleted_at, created_at
		FROM customers WHERE id = ?`, customerID)
	var c Customer
	var name, ext sql.NullString
	var deleted sql.NullInt64
	var created int64
	err := row.Scan(&c.ID, &c.Email, &name, &ext, &deleted, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", customerID, err)
	}
	c.Name = name.String
	c.ExternalCustomerID = ext.String
	c.DeletedAt = scanNullTime(deleted)
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// GetCustomerByExternalID resolves a processor customer id to the local row.
func (s *Store) GetCustomerByExternalID(ctx context.Context, tx *sql.Tx, externalID string) (*Customer, error) {
	row := execer(s, tx).QueryRowContext(ctx, `
		SELECT id, email, name, external_customer_id, deleted_at, created_at
		FROM customers WHERE external_customer_id = ?`, externalID)
	var c Customer
	var name, ext sql.NullString
	var deleted sql.NullInt64
	var created int64
	err := row.Scan(&c.ID, &c.Email, &name, &ext, &deleted, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer by external id %s: %w", externalID, err)
	}
	c.Name = name.String
	c.ExternalCustomerID = ext.String
	c.DeletedAt = scanNullTime(deleted)
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// SoftDeleteCustomer marks a customer deleted without dropping history.
func (s *Store) SoftDeleteCustomer(ctx context.Context, tx *sql.Tx, customerID string) error {
	_, err := execer(s, tx).ExecContext(ctx, `
		UPDATE customers SET deleted_at = ? WHERE id = ?`,
		millis(time.Now().UTC()), customerID)
	if err != nil {
		return fmt.Errorf("soft delete customer %s: %w", customerID, err)
	}
	return nil
}

// UpsertSubscription writes or refreshes a subscription projection keyed by
// the external subscription id.
func (s *Store) UpsertSubscription(ctx context.Context, tx *sql.Tx, sub Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	_, err := execer(s, tx).ExecContext(ctx, `
		INSERT INTO subscriptions
			(id, customer_id, plan_id, billing_cycle, status, current_period_start,
			 current_period_end, cancel_at_period_end, canceled_at, trial_start,
			 trial_end, external_subscription_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_subscription_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			billing_cycle = excluded.billing_cycle,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			canceled_at = excluded.canceled_at,
			trial_start = excluded.trial_start,
			trial_end = excluded.trial_end,
			updated_at = excluded.updated_at`,
		sub.ID, sub.CustomerID, sub.PlanID, sub.BillingCycle, sub.Status,
		nullMillis(sub.CurrentPeriodStart), nullMillis(sub.CurrentPeriodEnd),
		boolInt(sub.CancelAtPeriodEnd), nullMillis(sub.CanceledAt),
		nullMillis(sub.TrialStart), nullMillis(sub.TrialEnd),
		sub.ExternalSubscriptionID, millis(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ExternalSubscriptionID, err)
	}
	return nil
}

// GetSubscription fetches one subscription by local id.
func (s *Store) GetSubscription(ctx context.Context, tx *sql.Tx, id string) (*Subscription, error) {
	return s.getSubscriptionWhere(ctx, tx, "id = ?", id)
}

// GetSubscriptionByExternalID fetches one subscription by processor id.
func (s *Store) GetSubscriptionByExternalID(ctx context.Context, tx *sql.Tx, externalID string) (*Subscription, error) {
	return s.getSubscriptionWhere(ctx, tx, "external_subscription_id = ?", externalID)
}

func (s *Store) getSubscriptionWhere(ctx context.Context, tx *sql.Tx, where string, arg any) (*Subscription, error) {
	row := execer(s, tx).QueryRowContext(ctx, `
		SELECT id, customer_id, plan_id, billing_cycle, status, current_period_start,
		       current_period_end, cancel_at_period_end, canceled_at, trial_start,
		       trial_end, external_subscription_id, updated_at
		FROM subscriptions WHERE `+where, arg)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// UpdateSubscriptionStatus sets just the status (and cancellation time for
// cancelled transitions).
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, tx *sql.Tx, id, status string, canceledAt *time.Time) error {
	_, err := execer(s, tx).ExecContext(ctx, `
		UPDATE subscriptions SET status = ?, canceled_at = COALESCE(?, canceled_at), updated_at = ?
		WHERE id = ?`, status, nullMillis(canceledAt), millis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update subscription %s status: %w", id, err)
	}
	return nil
}

// ListSubscriptionsByStatus returns subscriptions in one status.
func (s *Store) ListSubscriptionsByStatus(ctx context.Context, status string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, plan_id, billing_cycle, status, current_period_start,
		       current_period_end, cancel_at_period_end, canceled_at, trial_start,
		       trial_end, external_subscription_id, updated_at
		FROM subscriptions WHERE status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// InsertPayment records a payment idempotently on the external payment id
// and outcome. Returns true when a new row was written.
func (s *Store) InsertPayment(ctx context.Context, tx *sql.Tx, p Payment) (bool, error) {
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}
	res, err := execer(s, tx).ExecContext(ctx, `
		INSERT INTO payments (external_payment_id, subscription_id, amount_cents, currency, status, paid_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_payment_id, status) DO NOTHING`,
		p.ExternalPaymentID, p.SubscriptionID, p.AmountCents, p.Currency, p.Status, millis(p.PaidAt))
	if err != nil {
		return false, fmt.Errorf("insert payment %s: %w", p.ExternalPaymentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountPayments returns the number of payment rows for a subscription.
func (s *Store) CountPayments(ctx context.Context, subscriptionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM payments WHERE subscription_id = ?`, subscriptionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count payments for %s: %w", subscriptionID, err)
	}
	return n, nil
}

// InsertSubscriptionChange appends one audit row.
func (s *Store) InsertSubscriptionChange(ctx context.Context, tx *sql.Tx, c SubscriptionChange) error {
	if c.ChangedAt.IsZero() {
		c.ChangedAt = time.Now().UTC()
	}
	_, err := execer(s, tx).ExecContext(ctx, `
		INSERT INTO subscription_changes (subscription_id, change_type, old_value, new_value, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.SubscriptionID, c.ChangeType, nullString(c.OldValue), nullString(c.NewValue), millis(c.ChangedAt))
	if err != nil {
		return fmt.Errorf("insert subscription change for %s: %w", c.SubscriptionID, err)
	}
	return nil
}

// CountSubscriptionChanges counts audit rows of one type for a
// subscription; the plan-change cap during trial is enforced with this.
func (s *Store) CountSubscriptionChanges(ctx context.Context, tx *sql.Tx, subscriptionID, changeType string) (int, error) {
	var n int
	err := execer(s, tx).QueryRowContext(ctx, `
		SELECT COUNT(1) FROM subscription_changes
		WHERE subscription_id = ? AND change_type = ?`, subscriptionID, changeType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s changes for %s: %w", changeType, subscriptionID, err)
	}
	return n, nil
}

// InsertWebhookReceipt claims an external event id. The uniqueness
// constraint is the idempotency guard: false means the event was already
// seen and the caller must skip processing.
func (s *Store) InsertWebhookReceipt(ctx context.Context, externalEventID, eventType, payload string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_receipts (external_event_id, type, payload, processed, received_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(external_event_id) DO NOTHING`,
		externalEventID, eventType, payload, millis(time.Now().UTC()))
	if err != nil {
		return false, fmt.Errorf("insert webhook receipt %s: %w", externalEventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkReceiptProcessed finalizes a receipt; errInfo is recorded for failed
// handlers so the next redrive can see what happened.
func (s *Store) MarkReceiptProcessed(ctx context.Context, externalEventID string, processed bool, errInfo string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_receipts SET processed = ?, error_info = ?
		WHERE external_event_id = ?`,
		boolInt(processed), nullString(errInfo), externalEventID)
	if err != nil {
		return fmt.Errorf("mark receipt %s: %w", externalEventID, err)
	}
	return nil
}

// ReleaseWebhookReceipt removes a failed claim so the processor's redrive
// can try again.
func (s *Store) ReleaseWebhookReceipt(ctx context.Context, externalEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_receipts WHERE external_event_id = ? AND processed = 0`, externalEventID)
	if err != nil {
		return fmt.Errorf("release webhook receipt %s: %w", externalEventID, err)
	}
	return nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var cps, cpe, canceled, ts, te sql.NullInt64
	var cancelAtEnd int
	var ext sql.NullString
	var updated int64
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.PlanID, &sub.BillingCycle, &sub.Status,
		&cps, &cpe, &cancelAtEnd, &canceled, &ts, &te, &ext, &updated)
	if err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = scanNullTime(cps)
	sub.CurrentPeriodEnd = scanNullTime(cpe)
	sub.CancelAtPeriodEnd = cancelAtEnd == 1
	sub.CanceledAt = scanNullTime(canceled)
	sub.TrialStart = scanNullTime(ts)
	sub.TrialEnd = scanNullTime(te)
	sub.ExternalSubscriptionID = ext.String
	sub.UpdatedAt = fromMillis(updated)
	return &sub, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
