// Package webhook ingests payment-processor events, projects them into the
// local billing state, and fans the resulting subscription events out to
// terminals through the delivery fabric.
package webhook

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/metrics"
	"github.com/AurSwift/AurEposWeb-sub001/internal/notify"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Limits carries the grace windows the projection handlers compute with.
type Limits struct {
	GracePaid    time.Duration
	GracePastDue time.Duration
}

// Processor is the webhook pipeline. Each processor event runs through one
// database transaction; outbound fabric events and emails are collected
// during the transaction and flushed only after it commits, so a rollback
// never leaks notifications for state that was not persisted.
type Processor struct {
	store    *store.Store
	fabric   *event.Fabric
	signer   *license.Signer
	notifier notify.Notifier
	secret   string
	limits   Limits
	now      func() time.Time
}

// NewProcessor wires the webhook pipeline.
func NewProcessor(st *store.Store, fabric *event.Fabric, signer *license.Signer, notifier notify.Notifier, secret string, limits Limits) *Processor {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Processor{
		store:    st,
		fabric:   fabric,
		signer:   signer,
		notifier: notifier,
		secret:   secret,
		limits:   limits,
		now:      time.Now,
	}
}

// Result reports how one delivery was handled.
type Result struct {
	Status    string `json:"status"` // processed, duplicate, ignored
	EventType string `json:"type"`
}

// Process verifies, claims, and handles one webhook delivery. The receipt
// row is the idempotency guard: a duplicate external event id short-circuits
// before any handler runs. Transient failures release the claim so the
// processor's redrive can try again; permanent failures keep the claim and
// record the error.
func (p *Processor) Process(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	const op = "webhook.process"

	// Signature verification is the authentication mechanism for this
	// endpoint.
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		return nil, apperrors.New(apperrors.KindAuth, op, "invalid webhook signature")
	}

	claimed, err := p.store.InsertWebhookReceipt(ctx, ev.ID, string(ev.Type), string(payload))
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	if !claimed {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "duplicate").Inc()
		log.Info().
			Str("event_id", ev.ID).
			Str("type", string(ev.Type)).
			Msg("Duplicate webhook delivery; already processed")
		return &Result{Status: "duplicate", EventType: string(ev.Type)}, nil
	}

	out := &outcome{}
	handled, err := p.dispatch(ctx, &ev, out)
	if err != nil {
		if apperrors.Retryable(err) {
			// Release the claim so the next redrive reprocesses from scratch.
			if relErr := p.store.ReleaseWebhookReceipt(ctx, ev.ID); relErr != nil {
				log.Error().Err(relErr).Str("event_id", ev.ID).Msg("Failed to release webhook receipt")
			}
			metrics.WebhookEvents.WithLabelValues(string(ev.Type), "failed_transient").Inc()
		} else {
			if markErr := p.store.MarkReceiptProcessed(ctx, ev.ID, false, err.Error()); markErr != nil {
				log.Error().Err(markErr).Str("event_id", ev.ID).Msg("Failed to record webhook failure")
			}
			metrics.WebhookEvents.WithLabelValues(string(ev.Type), "failed_permanent").Inc()
		}
		return nil, err
	}

	if err := p.store.MarkReceiptProcessed(ctx, ev.ID, true, ""); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to finalize webhook receipt")
	}

	out.flush(ctx, p.fabric, p.notifier)

	status := "processed"
	if !handled {
		status = "ignored"
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "ignored").Inc()
	} else {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "ok").Inc()
	}
	return &Result{Status: status, EventType: string(ev.Type)}, nil
}

// dispatch routes the event to its typed handler inside one transaction.
// The bool reports whether the type was handled at all.
func (p *Processor) dispatch(ctx context.Context, ev *stripe.Event, out *outcome) (bool, error) {
	switch ev.Type {
	case "checkout.session.completed":
		return true, p.inTx(ctx, ev, out, p.handleCheckoutCompleted)
	case "customer.subscription.created", "customer.subscription.updated":
		return true, p.inTx(ctx, ev, out, p.handleSubscriptionUpserted)
	case "customer.subscription.deleted":
		return true, p.inTx(ctx, ev, out, p.handleSubscriptionDeleted)
	case "invoice.payment_succeeded":
		return true, p.inTx(ctx, ev, out, p.handleInvoicePaid)
	case "invoice.payment_failed":
		return true, p.inTx(ctx, ev, out, p.handleInvoiceFailed)
	case "customer.updated":
		return true, p.inTx(ctx, ev, out, p.handleCustomerUpdated)
	case "customer.deleted":
		return true, p.inTx(ctx, ev, out, p.handleCustomerDeleted)
	default:
		log.Info().
			Str("type", string(ev.Type)).
			Str("event_id", ev.ID).
			Msg("Webhook event ignored (unhandled type)")
		return false, nil
	}
}

type txHandler func(ctx context.Context, tx *sql.Tx, ev *stripe.Event, out *outcome) error

func (p *Processor) inTx(ctx context.Context, ev *stripe.Event, out *outcome, h txHandler) error {
	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		return h(ctx, tx, ev, out)
	})
}

// outcome accumulates post-commit side effects during a handler run.
type outcome struct {
	events []pendingEvent
	emails []notify.Message
}

type pendingEvent struct {
	licenseKey string
	payload    event.Payload
}

func (o *outcome) publish(licenseKey string, payload event.Payload) {
	o.events = append(o.events, pendingEvent{licenseKey: licenseKey, payload: payload})
}

func (o *outcome) email(msg notify.Message) {
	if msg.To == "" {
		return
	}
	o.emails = append(o.emails, msg)
}

// flush emits the collected events and emails. Both are best-effort; the
// billing state is already committed.
func (o *outcome) flush(ctx context.Context, fabric *event.Fabric, notifier notify.Notifier) {
	for _, pe := range o.events {
		if _, err := fabric.EmitPayload(ctx, pe.licenseKey, pe.payload); err != nil {
			log.Warn().Err(err).
				Str("license_key", pe.licenseKey).
				Str("type", string(pe.payload.EventType())).
				Msg("Failed to publish webhook-derived event")
		}
	}
	for _, msg := range o.emails {
		if err := notifier.Send(ctx, msg); err != nil {
			log.Warn().Err(err).Str("to", msg.To).Msg("Failed to send notification email")
		}
	}
}
