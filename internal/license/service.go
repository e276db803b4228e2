package license

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/rs/zerolog/log"
)

// Stable business-rule messages surfaced to callers.
const (
	MsgMaxTerminalsReached     = "MAX_TERMINALS_REACHED"
	MsgMaxDeactivationsReached = "MAX_DEACTIVATIONS_REACHED"
	MsgLicenseRevoked          = "LICENSE_REVOKED"
	MsgLicenseExpired          = "LICENSE_EXPIRED"
	MsgSubscriptionInactive    = "SUBSCRIPTION_INACTIVE"
)

// activationGraceWindow is how long a fresh activation can be displaced by
// a newer terminal when the license is at capacity.
const activationGraceWindow = 24 * time.Hour

// Limits carries the configured business caps.
type Limits struct {
	MaxDeactivationsPerYear int
	GracePaid               time.Duration
	GracePastDue            time.Duration
}

// Service is the license state machine. All mutations run inside a single
// write transaction so concurrent activations serialize on the license row;
// outbound events are published only after the transaction commits.
type Service struct {
	store  *store.Store
	fabric *event.Fabric
	signer *Signer
	limits Limits
	now    func() time.Time
}

// NewService wires the state machine.
func NewService(st *store.Store, fabric *event.Fabric, signer *Signer, limits Limits) *Service {
	return &Service{
		store:  st,
		fabric: fabric,
		signer: signer,
		limits: limits,
		now:    time.Now,
	}
}

// Signer exposes the key signer for minting flows.
func (s *Service) Signer() *Signer { return s.signer }

// ActivateRequest is one terminal's activation attempt.
type ActivateRequest struct {
	LicenseKey    string
	MachineIDHash string
	TerminalName  string
	IPAddress     string
	Location      string
}

// ActivateResult reports the outcome of a successful activation.
type ActivateResult struct {
	Activation    store.Activation
	AlreadyActive bool // the machine already held a live activation
}

// Activate binds a terminal to a license. The whole decision runs in one
// transaction: capacity checks, grace-window displacement, and the atomic
// activation-count increment all see a consistent license row.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	const op = "license.activate"

	key := normalizeKey(req.LicenseKey)
	if !ValidFormat(key) {
		return nil, apperrors.Validation(op, "invalid license key format")
	}
	if req.MachineIDHash == "" {
		return nil, apperrors.Validation(op, "machine id hash is required")
	}

	now := s.now().UTC()
	var result ActivateResult
	var displaced *store.Activation

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		lic, err := s.loadUsableLicense(ctx, tx, op, key, now)
		if err != nil {
			return err
		}

		// Re-activation of the same machine refreshes the heartbeat.
		existing, err := s.store.GetActiveActivation(ctx, tx, key, req.MachineIDHash)
		if err != nil {
			return apperrors.Store(op, err)
		}
		if existing != nil {
			if err := s.store.UpdateHeartbeat(ctx, tx, key, req.MachineIDHash, now); err != nil {
				return apperrors.Store(op, err)
			}
			existing.LastHeartbeat = &now
			result = ActivateResult{Activation: *existing, AlreadyActive: true}
			return nil
		}

		active, err := s.store.ListActiveActivations(ctx, tx, key)
		if err != nil {
			return apperrors.Store(op, err)
		}

		if len(active) >= lic.MaxTerminals {
			// A just-created activation may be displaced so a replacement
			// terminal can take its slot without operator intervention.
			var inGrace *store.Activation
			for i := range active {
				if now.Sub(active[i].FirstActivation) <= activationGraceWindow {
					inGrace = &active[i]
					break
				}
			}
			if inGrace == nil {
				return apperrors.Rule(op, MsgMaxTerminalsReached)
			}
			if err := s.store.DeactivateActivation(ctx, tx, inGrace.ID, key, false); err != nil {
				return apperrors.Store(op, err)
			}
			displaced = inGrace
		}

		id, err := s.store.InsertActivation(ctx, tx, store.Activation{
			LicenseKey:      key,
			MachineIDHash:   req.MachineIDHash,
			TerminalName:    req.TerminalName,
			FirstActivation: now,
			IPAddress:       req.IPAddress,
			Location:        req.Location,
		})
		if err != nil {
			return apperrors.Store(op, err)
		}
		result = ActivateResult{Activation: store.Activation{
			ID:              id,
			LicenseKey:      key,
			MachineIDHash:   req.MachineIDHash,
			TerminalName:    req.TerminalName,
			FirstActivation: now,
			LastHeartbeat:   &now,
			IsActive:        true,
		}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Publishing happens after commit; a publish failure never unwinds an
	// activation.
	s.publishActivationEvents(ctx, key, &result, displaced, now)
	return &result, nil
}

func (s *Service) publishActivationEvents(ctx context.Context, key string, result *ActivateResult, displaced *store.Activation, now time.Time) {
	terminalID := result.Activation.MachineIDHash
	if displaced != nil {
		if _, err := s.fabric.EmitPayload(ctx, key, event.TerminalRemovedPayload{
			TerminalID: displaced.MachineIDHash,
			RemovedAt:  now,
			Reason:     "displaced by new terminal within activation grace window",
		}); err != nil {
			log.Warn().Err(err).Str("license_key", key).Msg("Failed to publish terminal_removed")
		}
	}
	payload := event.Payload(event.TerminalAddedPayload{
		TerminalID:   terminalID,
		TerminalName: result.Activation.TerminalName,
		AddedAt:      now,
	})
	if result.AlreadyActive {
		payload = event.TerminalReconnectedPayload{
			TerminalID:    terminalID,
			ReconnectedAt: now,
		}
	}
	if _, err := s.fabric.EmitPayload(ctx, key, payload); err != nil {
		log.Warn().Err(err).Str("license_key", key).Msg("Failed to publish terminal lifecycle event")
	}
}

// loadUsableLicense loads and gates the license row inside the caller's
// transaction.
func (s *Service) loadUsableLicense(ctx context.Context, tx *sql.Tx, op, key string, now time.Time) (*store.License, error) {
	lic, err := s.store.GetLicense(ctx, tx, key)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	if lic == nil {
		return nil, apperrors.New(apperrors.KindNotFound, op, "license not found")
	}
	if !lic.IsActive || lic.RevokedAt != nil {
		return nil, apperrors.Rule(op, MsgLicenseRevoked)
	}
	if lic.ExpiresAt != nil && now.After(*lic.ExpiresAt) {
		return nil, apperrors.Rule(op, MsgLicenseExpired)
	}

	sub, err := s.store.GetSubscription(ctx, tx, lic.SubscriptionID)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	// Trialing counts as active; cancelled and past_due block activation.
	if sub != nil && (sub.Status == store.SubStatusCancelled || sub.Status == store.SubStatusPastDue) {
		return nil, apperrors.Rule(op, MsgSubscriptionInactive)
	}
	return lic, nil
}

// HeartbeatResult tells the terminal whether it may keep running and how
// much grace remains.
type HeartbeatResult struct {
	IsValid                bool  `json:"is_valid"`
	GracePeriodRemainingMs int64 `json:"grace_period_remaining_ms"`
}

// Heartbeat records the terminal's liveness and evaluates the disable
// decision from the subscription state.
func (s *Service) Heartbeat(ctx context.Context, licenseKey, machineIDHash string) (*HeartbeatResult, error) {
	const op = "license.heartbeat"

	key := normalizeKey(licenseKey)
	if !ValidFormat(key) {
		return nil, apperrors.Validation(op, "invalid license key format")
	}

	now := s.now().UTC()
	lic, err := s.store.GetLicense(ctx, nil, key)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	if lic == nil {
		return nil, apperrors.New(apperrors.KindNotFound, op, "license not found")
	}
	if !lic.IsActive || lic.RevokedAt != nil {
		return &HeartbeatResult{IsValid: false}, nil
	}

	if err := s.store.UpdateHeartbeat(ctx, nil, key, machineIDHash, now); err != nil {
		return nil, apperrors.Store(op, err)
	}

	sub, err := s.store.GetSubscription(ctx, nil, lic.SubscriptionID)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	return s.evaluateGrace(sub, now), nil
}

// evaluateGrace implements the disable table:
//
//	active                       -> never disabled
//	trialing past trial_end      -> trial_end + paid grace
//	cancelled while trialing     -> trial_end + paid grace
//	cancelled (paid)             -> canceled_at + paid grace
//	past_due                     -> current_period_end + past-due grace
func (s *Service) evaluateGrace(sub *store.Subscription, now time.Time) *HeartbeatResult {
	if sub == nil {
		// No linked subscription projection; fail open for perpetual keys.
		return &HeartbeatResult{IsValid: true}
	}

	var deadline time.Time
	switch sub.Status {
	case store.SubStatusActive:
		return &HeartbeatResult{IsValid: true}

	case store.SubStatusTrialing:
		if sub.TrialEnd == nil || now.Before(*sub.TrialEnd) {
			return &HeartbeatResult{IsValid: true}
		}
		deadline = sub.TrialEnd.Add(s.limits.GracePaid)

	case store.SubStatusCancelled:
		if sub.TrialEnd != nil && (sub.CanceledAt == nil || sub.CanceledAt.Before(*sub.TrialEnd)) {
			// Cancelled during trial: grace runs from the trial end.
			deadline = sub.TrialEnd.Add(s.limits.GracePaid)
		} else if sub.CanceledAt != nil {
			deadline = sub.CanceledAt.Add(s.limits.GracePaid)
		} else {
			return &HeartbeatResult{IsValid: false}
		}

	case store.SubStatusPastDue:
		if sub.CurrentPeriodEnd == nil {
			return &HeartbeatResult{IsValid: false}
		}
		deadline = sub.CurrentPeriodEnd.Add(s.limits.GracePastDue)

	default:
		return &HeartbeatResult{IsValid: false}
	}

	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return &HeartbeatResult{IsValid: false}
	}
	return &HeartbeatResult{IsValid: true, GracePeriodRemainingMs: remaining.Milliseconds()}
}

// Deactivate releases one machine's activation. Voluntary deactivations
// are capped per calendar year to stop key sharing.
func (s *Service) Deactivate(ctx context.Context, licenseKey, machineIDHash string) error {
	const op = "license.deactivate"

	key := normalizeKey(licenseKey)
	if !ValidFormat(key) {
		return apperrors.Validation(op, "invalid license key format")
	}

	now := s.now().UTC()
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	var terminalID string
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		// The cap check shares the write transaction so two racing
		// releases cannot both slip under the limit.
		used, err := s.store.CountDeactivationsSince(ctx, tx, key, yearStart)
		if err != nil {
			return apperrors.Store(op, err)
		}
		if used >= s.limits.MaxDeactivationsPerYear {
			return apperrors.Rule(op, MsgMaxDeactivationsReached)
		}

		act, err := s.store.GetActiveActivation(ctx, tx, key, machineIDHash)
		if err != nil {
			return apperrors.Store(op, err)
		}
		if act == nil {
			return apperrors.New(apperrors.KindNotFound, op, "no active activation for this machine")
		}
		terminalID = act.MachineIDHash
		if err := s.store.DeactivateActivation(ctx, tx, act.ID, key, true); err != nil {
			return apperrors.Store(op, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.fabric.EmitPayload(ctx, key, event.DeactivationBroadcastPayload{
		TerminalID:    terminalID,
		DeactivatedAt: now,
		Immediate:     true,
	}); err != nil {
		log.Warn().Err(err).Str("license_key", key).Msg("Failed to publish deactivation_broadcast")
	}
	if _, err := s.fabric.EmitPayload(ctx, key, event.TerminalRemovedPayload{
		TerminalID: terminalID,
		RemovedAt:  now,
		Reason:     "deactivated",
	}); err != nil {
		log.Warn().Err(err).Str("license_key", key).Msg("Failed to publish terminal_removed")
	}
	return nil
}

// Revoke disables a license and all of its activations atomically, then
// notifies connected terminals.
func (s *Service) Revoke(ctx context.Context, licenseKey, reason string) error {
	const op = "license.revoke"

	key := normalizeKey(licenseKey)
	now := s.now().UTC()

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		lic, err := s.store.GetLicense(ctx, tx, key)
		if err != nil {
			return apperrors.Store(op, err)
		}
		if lic == nil {
			return apperrors.New(apperrors.KindNotFound, op, "license not found")
		}
		if err := s.store.RevokeLicense(ctx, tx, key, reason); err != nil {
			return apperrors.Store(op, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.fabric.EmitPayload(ctx, key, event.LicenseRevokedPayload{
		Reason:    reason,
		RevokedAt: now,
	}); err != nil {
		log.Warn().Err(err).Str("license_key", key).Msg("Failed to publish license_revoked")
	}
	return nil
}

// AuthorizeConnection gates a streaming handshake: the key must parse and
// reference a live license.
func (s *Service) AuthorizeConnection(ctx context.Context, licenseKey string) (*store.License, error) {
	const op = "license.authorize"

	key := normalizeKey(licenseKey)
	if !ValidFormat(key) {
		return nil, apperrors.New(apperrors.KindAuth, op, "invalid license key")
	}
	lic, err := s.store.GetLicense(ctx, nil, key)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	if lic == nil || !lic.IsActive || lic.RevokedAt != nil {
		return nil, apperrors.New(apperrors.KindAuth, op, "license is not active")
	}
	if err := s.signer.Verify(key, lic.CustomerID); err != nil {
		return nil, apperrors.New(apperrors.KindAuth, op, "invalid license key")
	}
	return lic, nil
}
