// Package retryengine redelivers events that never received a successful
// acknowledgement, backing off exponentially and escalating to the dead
// letter queue when attempts are exhausted.
package retryengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/metrics"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	// baseBackoff doubles per attempt: 1s, 2s, 4s, 8s, 16s.
	baseBackoff = time.Second

	// defaultAckLag is how long an event must sit unacknowledged before the
	// engine considers it stuck. Keeps the engine out of the way of a
	// terminal that is about to ack.
	defaultAckLag = 30 * time.Second

	defaultBatchSize = 500

	// reinjectHorizon is the fresh replay window a manually retried dead
	// letter gets, so terminals offline at the moment of retry still catch
	// it on reconnect.
	reinjectHorizon = time.Hour
)

// Engine scans the ack ledger for stuck events on a fixed cycle.
type Engine struct {
	store       *store.Store
	fabric      *event.Fabric
	maxAttempts int
	ackLag      time.Duration
	batchSize   int
	now         func() time.Time
}

// New wires a retry engine. maxAttempts is the DLQ escalation threshold.
func New(st *store.Store, fabric *event.Fabric, maxAttempts int) *Engine {
	return &Engine{
		store:       st,
		fabric:      fabric,
		maxAttempts: maxAttempts,
		ackLag:      defaultAckLag,
		batchSize:   defaultBatchSize,
		now:         time.Now,
	}
}

// CycleStats summarizes one engine cycle.
type CycleStats struct {
	Scanned     int
	Republished int
	DeadLetters int
}

// Run drives cycles until the context is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := e.RunCycle(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Retry cycle failed")
				continue
			}
			if stats.Republished > 0 || stats.DeadLetters > 0 {
				log.Info().
					Int("scanned", stats.Scanned).
					Int("republished", stats.Republished).
					Int("dead_lettered", stats.DeadLetters).
					Msg("Retry cycle completed")
			}
		}
	}
}

// RunCycle scans once and redelivers or escalates each stuck event.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	now := e.now().UTC()
	stats := CycleStats{}

	events, err := e.store.ListUnacknowledged(ctx, now, e.ackLag, e.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(events)

	for _, ev := range events {
		attempts, err := e.store.CountRetryAttempts(ctx, ev.EventID)
		if err != nil {
			log.Error().Err(err).Str("event_id", ev.EventID).Msg("Failed to count retry attempts")
			continue
		}

		if attempts >= e.maxAttempts {
			if err := e.escalate(ctx, ev, attempts, now); err != nil {
				log.Error().Err(err).Str("event_id", ev.EventID).Msg("Failed to dead-letter event")
				continue
			}
			stats.DeadLetters++
			continue
		}

		if err := e.redeliver(ctx, ev, attempts+1, now); err != nil {
			log.Warn().Err(err).Str("event_id", ev.EventID).Msg("Retry redelivery failed")
			continue
		}
		stats.Republished++
	}
	return stats, nil
}

// redeliver republishes the event under its original id and records the
// attempt with the next due time.
func (e *Engine) redeliver(ctx context.Context, ev store.StoredEvent, attempt int, now time.Time) error {
	delay := backoffFor(attempt)
	next := now.Add(delay)

	result := store.RetrySuccess
	errMsg := ""
	if err := e.fabric.Republish(ctx, ev.Envelope()); err != nil {
		result = store.RetryFailed
		errMsg = err.Error()
	}

	if err := e.store.InsertRetryAttempt(ctx, store.RetryAttempt{
		EventID:        ev.EventID,
		AttemptNumber:  attempt,
		Result:         result,
		ErrorMessage:   errMsg,
		NextRetryAt:    &next,
		AttemptedAt:    now,
		BackoffDelayMs: delay.Milliseconds(),
	}); err != nil {
		return err
	}

	metrics.RetriesScheduled.Inc()
	log.Debug().
		Str("event_id", ev.EventID).
		Str("license_key", ev.LicenseKey).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Event redelivered")
	return nil
}

func (e *Engine) escalate(ctx context.Context, ev store.StoredEvent, attempts int, now time.Time) error {
	lastErr, err := e.store.LastRetryError(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if err := e.store.InsertDeadLetter(ctx, store.DeadLetterEntry{
		EventID:           ev.EventID,
		LicenseKey:        ev.LicenseKey,
		Type:              ev.Type,
		Payload:           ev.Payload,
		OriginalCreatedAt: ev.CreatedAt,
		RetryCount:        attempts,
		LastErrorMessage:  lastErr,
		Status:            store.DLQPendingReview,
		FailedAt:          now,
	}); err != nil {
		return err
	}
	metrics.DeadLettered.Inc()
	log.Warn().
		Str("event_id", ev.EventID).
		Str("license_key", ev.LicenseKey).
		Str("type", string(ev.Type)).
		Int("retry_count", attempts).
		Msg("Event escalated to dead letter queue")
	return nil
}

// backoffFor returns the delay before the next attempt: 1s<<(n-1).
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return baseBackoff << (attempt - 1)
}

// RetryDeadLetter manually redelivers one DLQ entry and marks it retrying.
// The entry stays in the queue so the operator can resolve or abandon it
// after confirming the terminal caught up.
func (e *Engine) RetryDeadLetter(ctx context.Context, eventID, operator string) error {
	const op = "retryengine.retry_dead_letter"

	entry, err := e.store.GetDeadLetter(ctx, eventID)
	if err != nil {
		return apperrors.Store(op, err)
	}
	if entry == nil {
		return apperrors.New(apperrors.KindNotFound, op, "dead letter entry not found")
	}

	env := event.Envelope{
		ID:         entry.EventID,
		Type:       entry.Type,
		Timestamp:  entry.OriginalCreatedAt,
		LicenseKey: entry.LicenseKey,
		Data:       entry.Payload,
	}
	// Back into the store first: the live publish only reaches connected
	// terminals, and the original row may already be TTL-swept.
	if err := e.store.ReinjectEvent(ctx, env, e.now().UTC().Add(reinjectHorizon)); err != nil {
		return apperrors.Store(op, err)
	}
	if err := e.fabric.Republish(ctx, env); err != nil {
		return apperrors.Wrap(apperrors.KindTransientTransport, op, err)
	}
	if err := e.store.UpdateDeadLetterStatus(ctx, eventID, store.DLQRetrying, operator, ""); err != nil {
		return apperrors.Store(op, err)
	}

	log.Info().
		Str("event_id", eventID).
		Str("operator", operator).
		Msg("Dead letter entry manually redelivered")
	return nil
}

// ResolveDeadLetter closes a DLQ entry as handled.
func (e *Engine) ResolveDeadLetter(ctx context.Context, eventID, operator, notes string) error {
	return e.transition(ctx, eventID, store.DLQResolved, operator, notes)
}

// AbandonDeadLetter closes a DLQ entry as not worth pursuing.
func (e *Engine) AbandonDeadLetter(ctx context.Context, eventID, operator, notes string) error {
	return e.transition(ctx, eventID, store.DLQAbandoned, operator, notes)
}

func (e *Engine) transition(ctx context.Context, eventID string, status store.DLQStatus, operator, notes string) error {
	const op = "retryengine.transition"
	err := e.store.UpdateDeadLetterStatus(ctx, eventID, status, operator, notes)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.New(apperrors.KindNotFound, op, "dead letter entry not found")
	}
	if err != nil {
		return apperrors.Store(op, err)
	}
	return nil
}
