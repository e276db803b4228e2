package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
)

// MsgMaxPlanChanges is returned when a trial subscription exhausts its
// plan-change allowance.
const MsgMaxPlanChanges = "MAX_PLAN_CHANGES_REACHED"

const changeTypePlan = "plan_change"

// PlanChanger runs the producer-side plan change: remote update first, then
// one local transaction that revokes the old license, mints the new one, and
// migrates trial activations. The remote call never runs inside the
// transaction.
type PlanChanger struct {
	store           *store.Store
	fabric          *event.Fabric
	signer          *license.Signer
	stripeAPIKey    string
	maxTrialChanges int
	now             func() time.Time
}

// NewPlanChanger wires the plan-change service. An empty API key skips the
// remote subscription update (useful for tests and offline operation).
func NewPlanChanger(st *store.Store, fabric *event.Fabric, signer *license.Signer, stripeAPIKey string, maxTrialChanges int) *PlanChanger {
	return &PlanChanger{
		store:           st,
		fabric:          fabric,
		signer:          signer,
		stripeAPIKey:    stripeAPIKey,
		maxTrialChanges: maxTrialChanges,
		now:             time.Now,
	}
}

// PlanChangeRequest asks for a subscription to move to a new plan.
type PlanChangeRequest struct {
	SubscriptionID string // local subscription id
	NewPlan        string // basic, pro, enterprise
	NewPriceID     string // processor price id for the remote update; optional
}

// PlanChangeResult reports the new key and how many activations moved.
type PlanChangeResult struct {
	NewLicenseKey       string   `json:"new_license_key"`
	OldLicenseKeys      []string `json:"old_license_keys"`
	MigratedActivations int64    `json:"migrated_activations"`
	RemoteUpdateSkipped bool     `json:"remote_update_skipped"`
}

// ChangePlan executes the plan change end to end.
func (c *PlanChanger) ChangePlan(ctx context.Context, req PlanChangeRequest) (*PlanChangeResult, error) {
	const op = "webhook.plan_change"

	plan := planCodeFor(map[string]string{"plan": req.NewPlan}, nil)
	if strings.TrimSpace(req.NewPlan) == "" {
		return nil, apperrors.Validation(op, "new plan is required")
	}

	sub, err := c.store.GetSubscription(ctx, nil, req.SubscriptionID)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	if sub == nil {
		return nil, apperrors.New(apperrors.KindNotFound, op, "subscription not found")
	}
	if sub.Status == store.SubStatusCancelled {
		return nil, apperrors.Rule(op, "SUBSCRIPTION_CANCELLED")
	}

	trialing := sub.Status == store.SubStatusTrialing
	if trialing {
		changes, err := c.store.CountSubscriptionChanges(ctx, nil, sub.ID, changeTypePlan)
		if err != nil {
			return nil, apperrors.Store(op, err)
		}
		if changes >= c.maxTrialChanges {
			return nil, apperrors.Rule(op, MsgMaxPlanChanges)
		}
	}

	// Remote first: if the processor rejects the update there is nothing to
	// do locally. Proration lands via the later payment webhook.
	result := &PlanChangeResult{}
	if c.stripeAPIKey != "" && req.NewPriceID != "" && sub.ExternalSubscriptionID != "" {
		if err := c.updateRemoteSubscription(sub.ExternalSubscriptionID, req.NewPriceID, req.NewPlan); err != nil {
			return nil, apperrors.Wrap(apperrors.KindTransientTransport, op, err)
		}
	} else {
		result.RemoteUpdateSkipped = true
		log.Debug().
			Str("subscription_id", sub.ID).
			Msg("Remote plan update skipped (no API key or price id)")
	}

	now := c.now().UTC()
	var newKey string
	var oldKeys []string
	var migrated int64

	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		licenses, err := c.store.ListLicensesForSubscription(ctx, tx, sub.ID)
		if err != nil {
			return apperrors.Store(op, err)
		}

		newKey, err = c.signer.Mint(plan, sub.CustomerID)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, op, err)
		}
		if err := c.store.InsertLicense(ctx, tx, store.License{
			Key:            newKey,
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ID,
			PlanID:         strings.ToLower(req.NewPlan),
			MaxTerminals:   license.MaxTerminalsForPlan(plan),
		}); err != nil {
			return apperrors.Store(op, err)
		}

		for _, lic := range licenses {
			if !lic.IsActive {
				continue
			}
			// Trial customers keep their terminals running through the
			// change; paid plan changes re-activate against the new key.
			if trialing {
				moved, err := c.store.MigrateActivations(ctx, tx, lic.Key, newKey)
				if err != nil {
					return apperrors.Store(op, err)
				}
				migrated += moved
			}
			if err := c.store.RevokeLicense(ctx, tx, lic.Key, "plan changed"); err != nil {
				return apperrors.Store(op, err)
			}
			oldKeys = append(oldKeys, lic.Key)
		}

		if err := c.store.InsertSubscriptionChange(ctx, tx, store.SubscriptionChange{
			SubscriptionID: sub.ID,
			ChangeType:     changeTypePlan,
			OldValue:       sub.PlanID,
			NewValue:       strings.ToLower(req.NewPlan),
		}); err != nil {
			return apperrors.Store(op, err)
		}

		updated := *sub
		updated.PlanID = strings.ToLower(req.NewPlan)
		if err := c.store.UpsertSubscription(ctx, tx, updated); err != nil {
			return apperrors.Store(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Old-key subscribers hear the revocation first, then where to go next.
	for _, oldKey := range oldKeys {
		if _, err := c.fabric.EmitPayload(ctx, oldKey, event.LicenseRevokedPayload{
			Reason:    "plan changed",
			RevokedAt: now,
		}); err != nil {
			log.Warn().Err(err).Str("license_key", oldKey).Msg("Failed to publish license_revoked")
		}
		if _, err := c.fabric.EmitPayload(ctx, oldKey, event.PlanChangedPayload{
			OldPlanID:     sub.PlanID,
			NewPlanID:     strings.ToLower(req.NewPlan),
			NewLicenseKey: newKey,
			ChangedAt:     now,
		}); err != nil {
			log.Warn().Err(err).Str("license_key", oldKey).Msg("Failed to publish plan_changed")
		}
	}

	log.Info().
		Str("subscription_id", sub.ID).
		Str("new_license_key", newKey).
		Strs("old_license_keys", oldKeys).
		Int64("migrated_activations", migrated).
		Msg("Plan change completed")

	result.NewLicenseKey = newKey
	result.OldLicenseKeys = oldKeys
	result.MigratedActivations = migrated
	return result, nil
}

// updateRemoteSubscription swaps the subscription's price at the processor.
func (c *PlanChanger) updateRemoteSubscription(externalSubID, newPriceID, newPlan string) error {
	stripe.Key = c.stripeAPIKey

	current, err := subscription.Get(externalSubID, nil)
	if err != nil {
		return fmt.Errorf("fetch remote subscription %s: %w", externalSubID, err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return fmt.Errorf("remote subscription %s has no items", externalSubID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(current.Items.Data[0].ID),
			Price: stripe.String(newPriceID),
		}},
	}
	params.AddMetadata("plan", strings.ToLower(newPlan))
	if _, err := subscription.Update(externalSubID, params); err != nil {
		return fmt.Errorf("update remote subscription %s: %w", externalSubID, err)
	}
	return nil
}
