package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/notify"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
)

// Minimal projections of the processor's payloads. Decoding into local
// structs instead of the SDK's full types keeps us insulated from API
// version drift; only the fields we project are named.

type checkoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
	EndedAt            int64  `json:"ended_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialStart         int64  `json:"trial_start"`
	TrialEnd           int64  `json:"trial_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID        string            `json:"id"`
				Metadata  map[string]string `json:"metadata"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

// subscriptionID tolerates both the legacy top-level field and the newer
// parent linkage.
func (i invoicePayload) subscriptionID() string {
	if s := strings.TrimSpace(i.Subscription); s != "" {
		return s
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

type customerPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func decodeInto(ev *stripe.Event, v any) error {
	if err := json.Unmarshal(ev.Data.Raw, v); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "webhook.decode",
			fmt.Errorf("decode %s: %w", ev.Type, err))
	}
	return nil
}

// mapStatus folds the processor's status vocabulary into the local one.
// Unknown statuses land in past_due so they never widen entitlements.
func mapStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return store.SubStatusActive
	case "trialing":
		return store.SubStatusTrialing
	case "past_due", "unpaid", "incomplete":
		return store.SubStatusPastDue
	case "canceled", "incomplete_expired":
		return store.SubStatusCancelled
	default:
		return store.SubStatusPastDue
	}
}

func planCodeFor(metadata map[string]string, priceMetadata map[string]string) string {
	plan := ""
	if metadata != nil {
		plan = metadata["plan"]
	}
	if plan == "" && priceMetadata != nil {
		plan = priceMetadata["plan"]
	}
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case "pro", "professional":
		return license.PlanPro
	case "enterprise", "ent":
		return license.PlanEnterprise
	default:
		return license.PlanBasic
	}
}

func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// handleCheckoutCompleted issues (or reuses) the license for a completed
// subscription checkout and emails the key to the customer.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error {
	const op = "webhook.checkout_completed"

	var session checkoutSession
	if err := decodeInto(ev, &session); err != nil {
		return err
	}
	if strings.TrimSpace(session.Customer) == "" || strings.TrimSpace(session.Subscription) == "" {
		log.Warn().
			Str("session_id", session.ID).
			Msg("Checkout session missing customer or subscription linkage; skipping")
		return nil
	}

	email := strings.ToLower(strings.TrimSpace(session.CustomerEmail))
	if email == "" {
		email = strings.ToLower(strings.TrimSpace(session.CustomerDetails.Email))
	}

	customer, err := p.ensureCustomer(ctx, tx, session.Customer, email, session.CustomerDetails.Name)
	if err != nil {
		return apperrors.Store(op, err)
	}

	sub, err := p.store.GetSubscriptionByExternalID(ctx, tx, session.Subscription)
	if err != nil {
		return apperrors.Store(op, err)
	}
	plan := planCodeFor(session.Metadata, nil)
	if sub == nil {
		// The subscription.created webhook may not have arrived yet; seed the
		// projection so the license has something to hang off.
		sub = &store.Subscription{
			ID:                     ulid.Make().String(),
			CustomerID:             customer.ID,
			PlanID:                 strings.ToLower(plan),
			Status:                 store.SubStatusActive,
			ExternalSubscriptionID: session.Subscription,
		}
		if err := p.store.UpsertSubscription(ctx, tx, *sub); err != nil {
			return apperrors.Store(op, err)
		}
	}

	// One live license per subscription: a redelivered checkout or a repeat
	// session reuses it instead of minting a second key.
	existing, err := p.store.ListLicensesForSubscription(ctx, tx, sub.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	for _, lic := range existing {
		if lic.IsActive {
			log.Info().
				Str("license_key", lic.Key).
				Str("subscription_id", sub.ID).
				Msg("Checkout completed for subscription with existing license; reusing")
			out.email(licenseIssuedEmail(email, lic.Key))
			return nil
		}
	}

	key, err := p.signer.Mint(plan, customer.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, op, err)
	}
	if err := p.store.InsertLicense(ctx, tx, store.License{
		Key:            key,
		CustomerID:     customer.ID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		MaxTerminals:   license.MaxTerminalsForPlan(plan),
	}); err != nil {
		return apperrors.Store(op, err)
	}

	log.Info().
		Str("license_key", key).
		Str("customer_id", customer.ID).
		Str("subscription_id", sub.ID).
		Str("plan", plan).
		Msg("License issued for completed checkout")
	out.email(licenseIssuedEmail(email, key))
	return nil
}

// handleSubscriptionUpserted projects created/updated subscriptions and
// publishes the transition events terminals care about.
func (p *Processor) handleSubscriptionUpserted(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error {
	const op = "webhook.subscription_upserted"

	var sub subscriptionPayload
	if err := decodeInto(ev, &sub); err != nil {
		return err
	}
	if strings.TrimSpace(sub.Customer) == "" {
		return apperrors.Validation(op, "subscription payload missing customer")
	}

	customer, err := p.ensureCustomer(ctx, tx, sub.Customer, "", "")
	if err != nil {
		return apperrors.Store(op, err)
	}

	prev, err := p.store.GetSubscriptionByExternalID(ctx, tx, sub.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}

	status := mapStatus(sub.Status)
	row := store.Subscription{
		ID:                     ulid.Make().String(),
		CustomerID:             customer.ID,
		Status:                 status,
		CurrentPeriodStart:     firstPeriodStart(sub),
		CurrentPeriodEnd:       firstPeriodEnd(sub),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CanceledAt:             unixTimePtr(sub.CanceledAt),
		TrialStart:             unixTimePtr(sub.TrialStart),
		TrialEnd:               unixTimePtr(sub.TrialEnd),
		ExternalSubscriptionID: sub.ID,
	}
	if prev != nil {
		row.ID = prev.ID
	}
	if len(sub.Items.Data) > 0 {
		row.PlanID = sub.Items.Data[0].Price.ID
		row.BillingCycle = sub.Items.Data[0].Price.Recurring.Interval
	}
	if err := p.store.UpsertSubscription(ctx, tx, row); err != nil {
		return apperrors.Store(op, err)
	}

	if prev != nil && prev.Status != status {
		if err := p.store.InsertSubscriptionChange(ctx, tx, store.SubscriptionChange{
			SubscriptionID: row.ID,
			ChangeType:     "status",
			OldValue:       prev.Status,
			NewValue:       status,
		}); err != nil {
			return apperrors.Store(op, err)
		}
	}

	licenses, err := p.store.ListLicensesForSubscription(ctx, tx, row.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}

	now := p.now().UTC()
	reactivated := prev != nil &&
		(prev.Status == store.SubStatusCancelled || prev.Status == store.SubStatusPastDue) &&
		(status == store.SubStatusActive || status == store.SubStatusTrialing)

	for _, lic := range licenses {
		switch {
		case reactivated:
			if !lic.IsActive {
				if err := p.store.ReinstateLicense(ctx, tx, lic.Key); err != nil {
					return apperrors.Store(op, err)
				}
				out.publish(lic.Key, event.LicenseReactivatedPayload{ReactivatedAt: now})
			}
			out.publish(lic.Key, event.SubscriptionReactivatedPayload{
				SubscriptionID: row.ID,
				ReactivatedAt:  now,
				Status:         status,
			})

		case status == store.SubStatusPastDue && (prev == nil || prev.Status != store.SubStatusPastDue):
			out.publish(lic.Key, event.SubscriptionPastDuePayload{
				SubscriptionID: row.ID,
				GracePeriodEnd: graceEnd(row.CurrentPeriodEnd, p.limits.GracePastDue),
				FailedAt:       now,
			})

		default:
			out.publish(lic.Key, event.SubscriptionUpdatedPayload{
				SubscriptionID:    row.ID,
				Status:            status,
				PlanID:            row.PlanID,
				BillingCycle:      row.BillingCycle,
				CurrentPeriodEnd:  row.CurrentPeriodEnd,
				CancelAtPeriodEnd: row.CancelAtPeriodEnd,
			})
		}
	}

	log.Info().
		Str("subscription_id", row.ID).
		Str("external_subscription_id", sub.ID).
		Str("status", status).
		Int("licenses", len(licenses)).
		Msg("Subscription projection updated")
	return nil
}

// handleSubscriptionDeleted cancels the projection and revokes every
// license the subscription issued, in one transaction.
func (p *Processor) handleSubscriptionDeleted(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error {
	const op = "webhook.subscription_deleted"

	var sub subscriptionPayload
	if err := decodeInto(ev, &sub); err != nil {
		return err
	}

	prev, err := p.store.GetSubscriptionByExternalID(ctx, tx, sub.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	if prev == nil {
		log.Warn().
			Str("external_subscription_id", sub.ID).
			Msg("Subscription deleted for unknown projection; skipping")
		return nil
	}

	now := p.now().UTC()
	canceledAt := unixTimePtr(sub.CanceledAt)
	if canceledAt == nil {
		canceledAt = unixTimePtr(sub.EndedAt)
	}
	if canceledAt == nil {
		canceledAt = &now
	}

	if err := p.store.UpdateSubscriptionStatus(ctx, tx, prev.ID, store.SubStatusCancelled, canceledAt); err != nil {
		return apperrors.Store(op, err)
	}
	if err := p.store.InsertSubscriptionChange(ctx, tx, store.SubscriptionChange{
		SubscriptionID: prev.ID,
		ChangeType:     "status",
		OldValue:       prev.Status,
		NewValue:       store.SubStatusCancelled,
	}); err != nil {
		return apperrors.Store(op, err)
	}

	// Grace basis: trial cancellations run from the trial end, paid ones
	// from the cancellation time.
	basis := *canceledAt
	if prev.Status == store.SubStatusTrialing && prev.TrialEnd != nil {
		basis = *prev.TrialEnd
	}
	grace := basis.Add(p.limits.GracePaid)

	licenses, err := p.store.ListLicensesForSubscription(ctx, tx, prev.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	for _, lic := range licenses {
		if !lic.IsActive {
			continue
		}
		if err := p.store.RevokeLicense(ctx, tx, lic.Key, "subscription cancelled"); err != nil {
			return apperrors.Store(op, err)
		}
		out.publish(lic.Key, event.SubscriptionCancelledPayload{
			SubscriptionID: prev.ID,
			CancelledAt:    *canceledAt,
			GracePeriodEnd: &grace,
		})
		out.publish(lic.Key, event.LicenseRevokedPayload{
			Reason:    "subscription cancelled",
			RevokedAt: now,
		})
	}

	if email := p.customerEmail(ctx, tx, prev.CustomerID); email != "" {
		out.email(cancellationEmail(email, grace))
	}

	log.Info().
		Str("subscription_id", prev.ID).
		Int("licenses_revoked", len(licenses)).
		Time("grace_period_end", grace).
		Msg("Subscription cancelled; licenses revoked")
	return nil
}

// handleInvoicePaid records the payment idempotently and clears past_due.
func (p *Processor) handleInvoicePaid(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error {
	const op = "webhook.invoice_paid"

	var inv invoicePayload
	if err := decodeInto(ev, &inv); err != nil {
		return err
	}
	extSubID := inv.subscriptionID()
	if extSubID == "" {
		log.Info().Str("invoice_id", inv.ID).Msg("Invoice without subscription linkage; ignoring")
		return nil
	}

	sub, err := p.store.GetSubscriptionByExternalID(ctx, tx, extSubID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	if sub == nil {
		log.Warn().
			Str("invoice_id", inv.ID).
			Str("external_subscription_id", extSubID).
			Msg("Payment for unknown subscription projection; skipping")
		return nil
	}

	paidAt := p.now().UTC()
	if t := unixTimePtr(inv.StatusTransitions.PaidAt); t != nil {
		paidAt = *t
	}

	// The external payment id is the receipt: a redelivered invoice event
	// inserts nothing and publishes nothing.
	isNew, err := p.store.InsertPayment(ctx, tx, store.Payment{
		ExternalPaymentID: inv.ID,
		SubscriptionID:    sub.ID,
		AmountCents:       inv.AmountPaid,
		Currency:          inv.Currency,
		Status:            "succeeded",
		PaidAt:            paidAt,
	})
	if err != nil {
		return apperrors.Store(op, err)
	}
	if !isNew {
		log.Info().Str("invoice_id", inv.ID).Msg("Payment already recorded; skipping")
		return nil
	}

	licenses, err := p.store.ListLicensesForSubscription(ctx, tx, sub.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}

	if sub.Status == store.SubStatusPastDue {
		if err := p.store.UpdateSubscriptionStatus(ctx, tx, sub.ID, store.SubStatusActive, nil); err != nil {
			return apperrors.Store(op, err)
		}
		if err := p.store.InsertSubscriptionChange(ctx, tx, store.SubscriptionChange{
			SubscriptionID: sub.ID,
			ChangeType:     "status",
			OldValue:       store.SubStatusPastDue,
			NewValue:       store.SubStatusActive,
		}); err != nil {
			return apperrors.Store(op, err)
		}
		for _, lic := range licenses {
			out.publish(lic.Key, event.SubscriptionReactivatedPayload{
				SubscriptionID: sub.ID,
				ReactivatedAt:  paidAt,
				Status:         store.SubStatusActive,
			})
		}
	}

	for _, lic := range licenses {
		if !lic.IsActive {
			continue
		}
		out.publish(lic.Key, event.SubscriptionPaymentSucceededPayload{
			SubscriptionID: sub.ID,
			PaymentID:      inv.ID,
			AmountCents:    inv.AmountPaid,
			Currency:       inv.Currency,
			PaidAt:         paidAt,
		})
	}

	log.Info().
		Str("invoice_id", inv.ID).
		Str("subscription_id", sub.ID).
		Int64("amount_cents", inv.AmountPaid).
		Msg("Payment recorded")
	return nil
}

// handleInvoiceFailed flips the subscription past_due, records the failed
// payment, and warns terminals with the grace deadline.
func (p *Processor) handleInvoiceFailed(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error {
	const op = "webhook.invoice_failed"

	var inv invoicePayload
	if err := decodeInto(ev, &inv); err != nil {
		return err
	}
	extSubID := inv.subscriptionID()
	if extSubID == "" {
		return nil
	}

	sub, err := p.store.GetSubscriptionByExternalID(ctx, tx, extSubID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	if sub == nil {
		log.Warn().
			Str("invoice_id", inv.ID).
			Str("external_subscription_id", extSubID).
			Msg("Failed payment for unknown subscription projection; skipping")
		return nil
	}
	if sub.Status == store.SubStatusCancelled {
		return nil
	}

	now := p.now().UTC()
	statusChanged := sub.Status != store.SubStatusPastDue
	if statusChanged {
		if err := p.store.UpdateSubscriptionStatus(ctx, tx, sub.ID, store.SubStatusPastDue, nil); err != nil {
			return apperrors.Store(op, err)
		}
		if err := p.store.InsertSubscriptionChange(ctx, tx, store.SubscriptionChange{
			SubscriptionID: sub.ID,
			ChangeType:     "status",
			OldValue:       sub.Status,
			NewValue:       store.SubStatusPastDue,
		}); err != nil {
			return apperrors.Store(op, err)
		}
	}

	// The failed attempt is a payment record too, keyed by the invoice id
	// so the processor's own collection retries collapse into one row.
	if _, err := p.store.InsertPayment(ctx, tx, store.Payment{
		ExternalPaymentID: inv.ID,
		SubscriptionID:    sub.ID,
		AmountCents:       inv.AmountDue,
		Currency:          inv.Currency,
		Status:            "failed",
		PaidAt:            now,
	}); err != nil {
		return apperrors.Store(op, err)
	}

	grace := graceEnd(sub.CurrentPeriodEnd, p.limits.GracePastDue)
	licenses, err := p.store.ListLicensesForSubscription(ctx, tx, sub.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	for _, lic := range licenses {
		if !lic.IsActive {
			continue
		}
		out.publish(lic.Key, event.SubscriptionPastDuePayload{
			SubscriptionID: sub.ID,
			GracePeriodEnd: grace,
			FailedAt:       now,
		})
		if statusChanged {
			out.publish(lic.Key, event.SubscriptionUpdatedPayload{
				SubscriptionID:    sub.ID,
				Status:            store.SubStatusPastDue,
				PlanID:            sub.PlanID,
				BillingCycle:      sub.BillingCycle,
				CurrentPeriodEnd:  sub.CurrentPeriodEnd,
				CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			})
		}
	}

	if email := p.customerEmail(ctx, tx, sub.CustomerID); email != "" {
		out.email(paymentFailedEmail(email, grace))
	}

	log.Warn().
		Str("invoice_id", inv.ID).
		Str("subscription_id", sub.ID).
		Msg("Payment failed; subscription past due")
	return nil
}

func (p *Processor) handleCustomerUpdated(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error {
	const op = "webhook.customer_updated"

	var cust customerPayload
	if err := decodeInto(ev, &cust); err != nil {
		return err
	}
	existing, err := p.store.GetCustomerByExternalID(ctx, tx, cust.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	if existing == nil {
		return nil
	}
	existing.Email = strings.ToLower(strings.TrimSpace(cust.Email))
	existing.Name = cust.Name
	if err := p.store.UpsertCustomer(ctx, tx, *existing); err != nil {
		return apperrors.Store(op, err)
	}
	return nil
}

// handleCustomerDeleted soft-deletes the customer and cascades: every
// subscription is cancelled and every license revoked.
func (p *Processor) handleCustomerDeleted(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error {
	const op = "webhook.customer_deleted"

	var cust customerPayload
	if err := decodeInto(ev, &cust); err != nil {
		return err
	}
	existing, err := p.store.GetCustomerByExternalID(ctx, tx, cust.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	if existing == nil {
		return nil
	}
	if err := p.store.SoftDeleteCustomer(ctx, tx, existing.ID); err != nil {
		return apperrors.Store(op, err)
	}

	now := p.now().UTC()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, status FROM subscriptions WHERE customer_id = ?`, existing.ID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	type subRow struct{ id, status string }
	var subs []subRow
	for rows.Next() {
		var r subRow
		if err := rows.Scan(&r.id, &r.status); err != nil {
			rows.Close()
			return apperrors.Store(op, err)
		}
		subs = append(subs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperrors.Store(op, err)
	}

	revoked := 0
	for _, sr := range subs {
		if sr.status != store.SubStatusCancelled {
			if err := p.store.UpdateSubscriptionStatus(ctx, tx, sr.id, store.SubStatusCancelled, &now); err != nil {
				return apperrors.Store(op, err)
			}
		}
		licenses, err := p.store.ListLicensesForSubscription(ctx, tx, sr.id)
		if err != nil {
			return apperrors.Store(op, err)
		}
		for _, lic := range licenses {
			if !lic.IsActive {
				continue
			}
			if err := p.store.RevokeLicense(ctx, tx, lic.Key, "customer deleted"); err != nil {
				return apperrors.Store(op, err)
			}
			out.publish(lic.Key, event.LicenseRevokedPayload{
				Reason:    "customer deleted",
				RevokedAt: now,
			})
			revoked++
		}
	}

	log.Info().
		Str("customer_id", existing.ID).
		Int("licenses_revoked", revoked).
		Msg("Customer deleted; subscriptions cancelled and licenses revoked")
	return nil
}

// ensureCustomer resolves the processor customer id to a local row,
// creating the projection on first sight.
func (p *Processor) ensureCustomer(ctx context.Context, tx *sql.Tx, externalID, email, name string) (*store.Customer, error) {
	existing, err := p.store.GetCustomerByExternalID(ctx, tx, externalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if email != "" && existing.Email != email {
			existing.Email = email
			if err := p.store.UpsertCustomer(ctx, tx, *existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	c := store.Customer{
		ID:                 ulid.Make().String(),
		Email:              email,
		Name:               name,
		ExternalCustomerID: externalID,
	}
	if err := p.store.UpsertCustomer(ctx, tx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Processor) customerEmail(ctx context.Context, tx *sql.Tx, customerID string) string {
	row := tx.QueryRowContext(ctx, `SELECT email FROM customers WHERE id = ?`, customerID)
	var email string
	if err := row.Scan(&email); err != nil {
		return ""
	}
	return email
}

func firstPeriodStart(sub subscriptionPayload) *time.Time {
	if sub.CurrentPeriodStart != 0 {
		return unixTimePtr(sub.CurrentPeriodStart)
	}
	if len(sub.Items.Data) > 0 {
		return unixTimePtr(sub.Items.Data[0].CurrentPeriodStart)
	}
	return nil
}

func firstPeriodEnd(sub subscriptionPayload) *time.Time {
	if sub.CurrentPeriodEnd != 0 {
		return unixTimePtr(sub.CurrentPeriodEnd)
	}
	if len(sub.Items.Data) > 0 {
		return unixTimePtr(sub.Items.Data[0].CurrentPeriodEnd)
	}
	return nil
}

func graceEnd(periodEnd *time.Time, grace time.Duration) *time.Time {
	if periodEnd == nil {
		return nil
	}
	t := periodEnd.Add(grace)
	return &t
}

func licenseIssuedEmail(to, key string) notify.Message {
	return notify.Message{
		To:      to,
		Subject: "Your AurSwift EPOS license key",
		PlainText: "Thanks for subscribing to AurSwift EPOS.\n\n" +
			"Your license key: " + key + "\n\n" +
			"Enter this key on each till to activate it.",
		HTMLBody: "<p>Thanks for subscribing to AurSwift EPOS.</p>" +
			"<p>Your license key: <strong>" + key + "</strong></p>" +
			"<p>Enter this key on each till to activate it.</p>",
	}
}

func cancellationEmail(to string, graceEnd time.Time) notify.Message {
	when := graceEnd.Format("2 January 2006")
	return notify.Message{
		To:      to,
		Subject: "Your AurSwift EPOS subscription has been cancelled",
		PlainText: "Your subscription has been cancelled. Your tills will keep working until " +
			when + ". Resubscribe any time to keep your data and settings.",
		HTMLBody: "<p>Your subscription has been cancelled. Your tills will keep working until <strong>" +
			when + "</strong>.</p><p>Resubscribe any time to keep your data and settings.</p>",
	}
}

func paymentFailedEmail(to string, graceEnd *time.Time) notify.Message {
	deadline := "shortly"
	if graceEnd != nil {
		deadline = "on " + graceEnd.Format("2 January 2006")
	}
	return notify.Message{
		To:      to,
		Subject: "Payment failed for your AurSwift EPOS subscription",
		PlainText: "We could not collect your latest payment. Please update your payment method; " +
			"your tills will stop working " + deadline + " if the payment keeps failing.",
		HTMLBody: "<p>We could not collect your latest payment. Please update your payment method; " +
			"your tills will stop working " + deadline + " if the payment keeps failing.</p>",
	}
}
