package webhook

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/notify"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

// emailRecorder captures outbound notifications.
type emailRecorder struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *emailRecorder) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *store.Store, *emailRecorder) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	fabric := event.NewFabric(bus, st, 24*time.Hour)

	emails := &emailRecorder{}
	p := NewProcessor(st, fabric, license.NewSigner("test-secret"), emails, testSecret, Limits{
		GracePaid:    7 * 24 * time.Hour,
		GracePastDue: 3 * 24 * time.Hour,
	})
	return p, st, emails
}

// signedEvent builds a processor delivery with a valid signature header.
func signedEvent(t *testing.T, eventID, eventType string, object any) (payload []byte, header string) {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err = json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]json.RawMessage{"object": obj},
	})
	require.NoError(t, err)

	at := time.Now()
	sig := stripewebhook.ComputeSignature(at, payload, testSecret)
	header = fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
	return payload, header
}

func process(t *testing.T, p *Processor, eventID, eventType string, object any) *Result {
	t.Helper()
	payload, header := signedEvent(t, eventID, eventType, object)
	result, err := p.Process(context.Background(), payload, header)
	require.NoError(t, err)
	return result
}

func checkoutObject() map[string]any {
	return map[string]any{
		"id":             "cs_1",
		"mode":           "subscription",
		"customer":       "cus_1",
		"subscription":   "sub_ext_1",
		"customer_email": "owner@shop.example",
		"metadata":       map[string]string{"plan": "pro"},
	}
}

// issuedLicense completes a checkout and returns the minted key.
func issuedLicense(t *testing.T, p *Processor, st *store.Store) string {
	t.Helper()
	result := process(t, p, "evt_checkout_1", "checkout.session.completed", checkoutObject())
	require.Equal(t, "processed", result.Status)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	require.NotNil(t, sub)

	licenses := listLicenses(t, st, sub.ID)
	require.Len(t, licenses, 1)
	key := licenses[0].Key
	require.True(t, license.ValidFormat(key))
	return key
}

func listLicenses(t *testing.T, st *store.Store, subID string) []store.License {
	t.Helper()
	out, err := st.ListLicensesForSubscription(context.Background(), nil, subID)
	require.NoError(t, err)
	return out
}

func eventsFor(t *testing.T, st *store.Store, key string) []store.StoredEvent {
	t.Helper()
	events, err := st.ListEventsAfter(context.Background(), key, "", time.Now().UTC())
	require.NoError(t, err)
	return events
}

func TestProcessRejectsBadSignature(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	payload, _ := signedEvent(t, "evt_1", "checkout.session.completed", checkoutObject())

	_, err := p.Process(context.Background(), payload, "t=1,v1=deadbeef")
	require.Error(t, err)
	require.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
}

func TestCheckoutIssuesLicenseAndEmailsKey(t *testing.T) {
	p, st, emails := newTestProcessor(t)

	key := issuedLicense(t, p, st)

	require.Len(t, emails.sent, 1)
	require.Equal(t, "owner@shop.example", emails.sent[0].To)
	require.Contains(t, emails.sent[0].PlainText, key)

	// Pro plan carries the three-terminal cap into the license row.
	lic, err := st.GetLicense(context.Background(), nil, key)
	require.NoError(t, err)
	require.Equal(t, 3, lic.MaxTerminals)
}

func TestDuplicateDeliveryShortCircuits(t *testing.T) {
	p, st, emails := newTestProcessor(t)

	first := process(t, p, "evt_dup", "checkout.session.completed", checkoutObject())
	require.Equal(t, "processed", first.Status)

	second := process(t, p, "evt_dup", "checkout.session.completed", checkoutObject())
	require.Equal(t, "duplicate", second.Status)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	require.Len(t, listLicenses(t, st, sub.ID), 1)
	require.Len(t, emails.sent, 1)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	p, st, emails := newTestProcessor(t)
	payload, header := signedEvent(t, "evt_dup_burst", "checkout.session.completed", checkoutObject())

	// The processor redelivers aggressively; simultaneous copies of the
	// same delivery must collapse to one set of side effects.
	const deliveries = 8
	statuses := make(chan string, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.Process(context.Background(), payload, header)
			if err != nil {
				statuses <- err.Error()
				return
			}
			statuses <- result.Status
		}()
	}
	wg.Wait()
	close(statuses)

	processed, duplicates := 0, 0
	for status := range statuses {
		switch status {
		case "processed":
			processed++
		case "duplicate":
			duplicates++
		default:
			t.Fatalf("unexpected delivery outcome %q", status)
		}
	}
	require.Equal(t, 1, processed)
	require.Equal(t, deliveries-1, duplicates)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Len(t, listLicenses(t, st, sub.ID), 1)
	require.Len(t, emails.sent, 1)
}

func TestRedeliveredCheckoutReusesLicense(t *testing.T) {
	p, st, _ := newTestProcessor(t)

	issuedLicense(t, p, st)
	// A distinct delivery for the same subscription must not mint twice.
	result := process(t, p, "evt_checkout_2", "checkout.session.completed", checkoutObject())
	require.Equal(t, "processed", result.Status)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	require.Len(t, listLicenses(t, st, sub.ID), 1)
}

func TestInvoiceFailedFlipsPastDueAndWarnsTerminals(t *testing.T) {
	p, st, emails := newTestProcessor(t)
	ctx := context.Background()
	key := issuedLicense(t, p, st)

	invoice := map[string]any{
		"id":           "in_fail_1",
		"customer":     "cus_1",
		"subscription": "sub_ext_1",
		"amount_due":   2900,
		"currency":     "gbp",
	}
	result := process(t, p, "evt_fail_1", "invoice.payment_failed", invoice)
	require.Equal(t, "processed", result.Status)

	sub, err := st.GetSubscriptionByExternalID(ctx, nil, "sub_ext_1")
	require.NoError(t, err)
	require.Equal(t, store.SubStatusPastDue, sub.Status)

	// The failed attempt lands as a payment record.
	n, err := st.CountPayments(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Terminals get the grace warning plus the status transition.
	events := eventsFor(t, st, key)
	require.Len(t, events, 2)
	require.Equal(t, event.TypeSubscriptionPastDue, events[0].Type)
	require.Equal(t, event.TypeSubscriptionUpdated, events[1].Type)

	require.Len(t, emails.sent, 2) // license email + payment-failed email
	require.Contains(t, emails.sent[1].Subject, "Payment failed")

	// A second collection failure on the same invoice: already past_due,
	// so no new status event and no second failure row.
	process(t, p, "evt_fail_2", "invoice.payment_failed", invoice)

	n, err = st.CountPayments(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	updated := 0
	for _, e := range eventsFor(t, st, key) {
		if e.Type == event.TypeSubscriptionUpdated {
			updated++
		}
	}
	require.Equal(t, 1, updated)
}

func TestInvoicePaidRecoversPastDue(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	key := issuedLicense(t, p, st)

	process(t, p, "evt_fail_1", "invoice.payment_failed", map[string]any{
		"id": "in_1", "customer": "cus_1", "subscription": "sub_ext_1",
		"amount_due": 2900, "currency": "gbp",
	})

	// The processor retried collection on the same invoice and succeeded.
	result := process(t, p, "evt_paid_1", "invoice.payment_succeeded", map[string]any{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_ext_1",
		"amount_paid":  2900,
		"currency":     "gbp",
	})
	require.Equal(t, "processed", result.Status)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	require.Equal(t, store.SubStatusActive, sub.Status)

	// Both outcomes of the invoice are on record.
	n, err := st.CountPayments(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var types []event.Type
	for _, e := range eventsFor(t, st, key) {
		types = append(types, e.Type)
	}
	require.Contains(t, types, event.TypeSubscriptionReactivated)
	require.Contains(t, types, event.TypeSubscriptionPaymentSucceeded)
}

func TestInvoicePaidIsIdempotentPerInvoice(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	key := issuedLicense(t, p, st)

	invoice := map[string]any{
		"id": "in_1", "customer": "cus_1", "subscription": "sub_ext_1",
		"amount_paid": 2900, "currency": "gbp",
	}
	process(t, p, "evt_paid_1", "invoice.payment_succeeded", invoice)
	// Same invoice under a fresh webhook event id: nothing new happens.
	process(t, p, "evt_paid_2", "invoice.payment_succeeded", invoice)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	n, err := st.CountPayments(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	payments := 0
	for _, e := range eventsFor(t, st, key) {
		if e.Type == event.TypeSubscriptionPaymentSucceeded {
			payments++
		}
	}
	require.Equal(t, 1, payments)
}

func TestInvoiceWithParentLinkage(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	issuedLicense(t, p, st)

	result := process(t, p, "evt_paid_parent", "invoice.payment_succeeded", map[string]any{
		"id":          "in_parent_1",
		"customer":    "cus_1",
		"amount_paid": 2900,
		"currency":    "gbp",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_ext_1"},
		},
	})
	require.Equal(t, "processed", result.Status)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	n, err := st.CountPayments(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSubscriptionDeletedRevokesLicenses(t *testing.T) {
	p, st, emails := newTestProcessor(t)
	key := issuedLicense(t, p, st)

	canceledAt := time.Now().UTC().Add(-time.Minute)
	result := process(t, p, "evt_del_1", "customer.subscription.deleted", map[string]any{
		"id":          "sub_ext_1",
		"customer":    "cus_1",
		"status":      "canceled",
		"canceled_at": canceledAt.Unix(),
	})
	require.Equal(t, "processed", result.Status)

	sub, err := st.GetSubscriptionByExternalID(context.Background(), nil, "sub_ext_1")
	require.NoError(t, err)
	require.Equal(t, store.SubStatusCancelled, sub.Status)

	lic, err := st.GetLicense(context.Background(), nil, key)
	require.NoError(t, err)
	require.False(t, lic.IsActive)

	var types []event.Type
	for _, e := range eventsFor(t, st, key) {
		types = append(types, e.Type)
	}
	require.Contains(t, types, event.TypeSubscriptionCancelled)
	require.Contains(t, types, event.TypeLicenseRevoked)

	require.Contains(t, emails.sent[len(emails.sent)-1].Subject, "cancelled")
}

func TestSubscriptionUpdatedReactivates(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	key := issuedLicense(t, p, st)

	process(t, p, "evt_del_1", "customer.subscription.deleted", map[string]any{
		"id": "sub_ext_1", "customer": "cus_1", "status": "canceled",
		"canceled_at": time.Now().UTC().Unix(),
	})

	result := process(t, p, "evt_upd_1", "customer.subscription.updated", map[string]any{
		"id": "sub_ext_1", "customer": "cus_1", "status": "active",
	})
	require.Equal(t, "processed", result.Status)

	lic, err := st.GetLicense(context.Background(), nil, key)
	require.NoError(t, err)
	require.True(t, lic.IsActive)

	var types []event.Type
	for _, e := range eventsFor(t, st, key) {
		types = append(types, e.Type)
	}
	require.Contains(t, types, event.TypeLicenseReactivated)
	require.Contains(t, types, event.TypeSubscriptionReactivated)
}

func TestCustomerDeletedCascades(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	key := issuedLicense(t, p, st)

	result := process(t, p, "evt_cust_del", "customer.deleted", map[string]any{
		"id": "cus_1",
	})
	require.Equal(t, "processed", result.Status)

	lic, err := st.GetLicense(context.Background(), nil, key)
	require.NoError(t, err)
	require.False(t, lic.IsActive)

	cust, err := st.GetCustomerByExternalID(context.Background(), nil, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, cust.DeletedAt)
}

func TestUnhandledTypeIgnored(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	result := process(t, p, "evt_misc", "payout.paid", map[string]any{"id": "po_1"})
	require.Equal(t, "ignored", result.Status)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"active", store.SubStatusActive},
		{"trialing", store.SubStatusTrialing},
		{"past_due", store.SubStatusPastDue},
		{"unpaid", store.SubStatusPastDue},
		{"incomplete", store.SubStatusPastDue},
		{"canceled", store.SubStatusCancelled},
		{"incomplete_expired", store.SubStatusCancelled},
		{"something_new", store.SubStatusPastDue}, // unknown must not widen entitlements
	}
	for _, tc := range tests {
		if got := mapStatus(tc.in); got != tc.want {
			t.Errorf("mapStatus(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
