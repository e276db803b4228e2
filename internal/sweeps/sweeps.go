// Package sweeps runs the scheduled maintenance jobs: trial-ending
// notifications and expiry, cancelled-subscription grace enforcement, event
// TTL cleanup, and the retry tick.
package sweeps

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/notify"
	"github.com/AurSwift/AurEposWeb-sub001/internal/retryengine"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	trialInterval = 6 * time.Hour
	graceInterval = 12 * time.Hour
	ttlInterval   = time.Hour
	retryInterval = 15 * time.Second

	warn3d = 3 * 24 * time.Hour
	warn1d = 24 * time.Hour
)

// Sweeper owns the background maintenance loops.
type Sweeper struct {
	store     *store.Store
	fabric    *event.Fabric
	notifier  notify.Notifier
	retry     *retryengine.Engine
	gracePaid time.Duration
	now       func() time.Time
}

// New wires the sweeper. gracePaid is the post-trial and post-cancellation
// grace window.
func New(st *store.Store, fabric *event.Fabric, notifier notify.Notifier, retry *retryengine.Engine, gracePaid time.Duration) *Sweeper {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Sweeper{
		store:     st,
		fabric:    fabric,
		notifier:  notifier,
		retry:     retry,
		gracePaid: gracePaid,
		now:       time.Now,
	}
}

// Run drives all sweep loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.loop(ctx, trialInterval, "trial", func(ctx context.Context) error {
			sum, err := s.TrialSweep(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Int("scanned", sum.Scanned).
				Int("warned", sum.Warned).
				Int("in_grace", sum.InGrace).
				Int("cancelled", sum.Cancelled).
				Msg("Trial sweep completed")
			return nil
		})
		return nil
	})

	g.Go(func() error {
		s.loop(ctx, graceInterval, "grace", func(ctx context.Context) error {
			sum, err := s.GraceSweep(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Int("scanned", sum.Scanned).
				Int("warned", sum.Warned).
				Int("disabled", sum.Disabled).
				Msg("Grace sweep completed")
			return nil
		})
		return nil
	})

	g.Go(func() error {
		s.loop(ctx, ttlInterval, "ttl", func(ctx context.Context) error {
			deleted, err := s.TTLSweep(ctx)
			if err != nil {
				return err
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Event TTL sweep completed")
			}
			return nil
		})
		return nil
	})

	g.Go(func() error {
		s.retry.Run(ctx, retryInterval)
		return nil
	})

	return g.Wait()
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("sweep", name).Msg("Sweep failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("sweep", name).Msg("Sweep failed")
			}
		}
	}
}

// TrialSummary reports one trial sweep pass.
type TrialSummary struct {
	Scanned   int
	Warned    int
	InGrace   int
	Cancelled int
}

// TrialSweep warns trials approaching their end, nudges expired trials
// inside the post-trial grace window, and cancels those past it.
func (s *Sweeper) TrialSweep(ctx context.Context) (TrialSummary, error) {
	now := s.now().UTC()
	sum := TrialSummary{}

	subs, err := s.store.ListSubscriptionsByStatus(ctx, store.SubStatusTrialing)
	if err != nil {
		return sum, err
	}
	sum.Scanned = len(subs)

	for _, sub := range subs {
		if sub.TrialEnd == nil {
			continue
		}
		trialEnd := *sub.TrialEnd

		switch {
		case now.Before(trialEnd):
			until := trialEnd.Sub(now)
			if until <= warn1d {
				s.notifyCustomer(ctx, sub.CustomerID, trialEndingEmail(trialEnd, 1))
				sum.Warned++
			} else if until <= warn3d {
				s.notifyCustomer(ctx, sub.CustomerID, trialEndingEmail(trialEnd, 3))
				sum.Warned++
			}

		case now.Before(trialEnd.Add(s.gracePaid)):
			s.notifyCustomer(ctx, sub.CustomerID, trialEndedEmail(trialEnd.Add(s.gracePaid)))
			sum.InGrace++

		default:
			if err := s.expireTrial(ctx, sub, now); err != nil {
				log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to expire trial")
				continue
			}
			sum.Cancelled++
		}
	}
	return sum, nil
}

// expireTrial cancels one expired trial and revokes its licenses in a
// single transaction, then publishes the cancellation to each key.
func (s *Sweeper) expireTrial(ctx context.Context, sub store.Subscription, now time.Time) error {
	var revokedKeys []string
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpdateSubscriptionStatus(ctx, tx, sub.ID, store.SubStatusCancelled, &now); err != nil {
			return err
		}
		if err := s.store.InsertSubscriptionChange(ctx, tx, store.SubscriptionChange{
			SubscriptionID: sub.ID,
			ChangeType:     "status",
			OldValue:       sub.Status,
			NewValue:       store.SubStatusCancelled,
		}); err != nil {
			return err
		}
		licenses, err := s.store.ListLicensesForSubscription(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		for _, lic := range licenses {
			if !lic.IsActive {
				continue
			}
			if err := s.store.RevokeLicense(ctx, tx, lic.Key, "trial expired"); err != nil {
				return err
			}
			revokedKeys = append(revokedKeys, lic.Key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range revokedKeys {
		if _, err := s.fabric.EmitPayload(ctx, key, event.SubscriptionCancelledPayload{
			SubscriptionID:    sub.ID,
			CancelledAt:       now,
			CancelImmediately: true,
			Reason:            "trial expired",
		}); err != nil {
			log.Warn().Err(err).Str("license_key", key).Msg("Failed to publish trial expiry")
		}
	}

	log.Info().
		Str("subscription_id", sub.ID).
		Int("licenses_revoked", len(revokedKeys)).
		Msg("Trial expired; subscription cancelled")
	return nil
}

// GraceSummary reports one grace sweep pass.
type GraceSummary struct {
	Scanned  int
	Warned   int
	Disabled int
}

// GraceSweep warns cancelled subscriptions nearing the end of their grace
// window and hard-disables those past it.
func (s *Sweeper) GraceSweep(ctx context.Context) (GraceSummary, error) {
	now := s.now().UTC()
	sum := GraceSummary{}

	subs, err := s.store.ListSubscriptionsByStatus(ctx, store.SubStatusCancelled)
	if err != nil {
		return sum, err
	}
	sum.Scanned = len(subs)

	for _, sub := range subs {
		basis := graceBasis(sub)
		if basis == nil {
			continue
		}
		graceEnd := basis.Add(s.gracePaid)

		if now.Before(graceEnd) {
			until := graceEnd.Sub(now)
			if until <= warn1d {
				s.notifyCustomer(ctx, sub.CustomerID, graceEndingEmail(graceEnd, 1))
				sum.Warned++
			} else if until <= warn3d {
				s.notifyCustomer(ctx, sub.CustomerID, graceEndingEmail(graceEnd, 3))
				sum.Warned++
			}
			continue
		}

		disabled, err := s.disablePastGrace(ctx, sub, now)
		if err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to disable past-grace subscription")
			continue
		}
		sum.Disabled += disabled
	}
	return sum, nil
}

// disablePastGrace revokes any license of the subscription still active and
// broadcasts the immediate disable. Already-revoked licenses publish
// nothing, which keeps repeated sweeps quiet.
func (s *Sweeper) disablePastGrace(ctx context.Context, sub store.Subscription, now time.Time) (int, error) {
	var revokedKeys []string
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		licenses, err := s.store.ListLicensesForSubscription(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		for _, lic := range licenses {
			if !lic.IsActive {
				continue
			}
			if err := s.store.RevokeLicense(ctx, tx, lic.Key, "grace period expired"); err != nil {
				return err
			}
			revokedKeys = append(revokedKeys, lic.Key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	cancelledAt := now
	if sub.CanceledAt != nil {
		cancelledAt = *sub.CanceledAt
	}
	for _, key := range revokedKeys {
		if _, err := s.fabric.EmitPayload(ctx, key, event.SubscriptionCancelledPayload{
			SubscriptionID:    sub.ID,
			CancelledAt:       cancelledAt,
			CancelImmediately: true,
			Reason:            "grace period expired",
		}); err != nil {
			log.Warn().Err(err).Str("license_key", key).Msg("Failed to publish grace expiry")
		}
	}
	return len(revokedKeys), nil
}

// TTLSweep deletes events past their retention window.
func (s *Sweeper) TTLSweep(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now().UTC())
}

func (s *Sweeper) notifyCustomer(ctx context.Context, customerID string, msg notify.Message) {
	cust, err := s.store.GetCustomer(ctx, nil, customerID)
	if err != nil || cust == nil || cust.Email == "" {
		return
	}
	msg.To = cust.Email
	if err := s.notifier.Send(ctx, msg); err != nil {
		log.Warn().Err(err).Str("to", msg.To).Msg("Failed to send sweep notification")
	}
}

func graceBasis(sub store.Subscription) *time.Time {
	// Cancelled-while-trialing runs grace from the trial end.
	if sub.TrialEnd != nil && (sub.CanceledAt == nil || sub.CanceledAt.Before(*sub.TrialEnd)) {
		return sub.TrialEnd
	}
	return sub.CanceledAt
}

func trialEndingEmail(trialEnd time.Time, days int) notify.Message {
	return notify.Message{
		Subject: fmt.Sprintf("Your AurSwift EPOS trial ends in %d day(s)", days),
		PlainText: fmt.Sprintf(
			"Your trial ends on %s. Add a payment method to keep your tills running.",
			trialEnd.Format("2 January 2006")),
	}
}

func trialEndedEmail(graceEnd time.Time) notify.Message {
	return notify.Message{
		Subject: "Your AurSwift EPOS trial has ended",
		PlainText: fmt.Sprintf(
			"Your trial has ended. Your tills keep working until %s; subscribe before then to avoid interruption.",
			graceEnd.Format("2 January 2006")),
	}
}

func graceEndingEmail(graceEnd time.Time, days int) notify.Message {
	return notify.Message{
		Subject: fmt.Sprintf("AurSwift EPOS access ends in %d day(s)", days),
		PlainText: fmt.Sprintf(
			"Your cancelled subscription's grace period ends on %s. Resubscribe to keep your tills running.",
			graceEnd.Format("2 January 2006")),
	}
}
