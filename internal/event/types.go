// Package event defines the typed subscription events carried by the
// delivery fabric and the bus they travel over.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the closed set of event types terminals can receive.
type Type string

const (
	TypeSubscriptionCancelled        Type = "subscription_cancelled"
	TypeSubscriptionReactivated      Type = "subscription_reactivated"
	TypeSubscriptionUpdated          Type = "subscription_updated"
	TypeSubscriptionPastDue          Type = "subscription_past_due"
	TypeSubscriptionPaymentSucceeded Type = "subscription_payment_succeeded"
	TypeLicenseRevoked               Type = "license_revoked"
	TypeLicenseReactivated           Type = "license_reactivated"
	TypePlanChanged                  Type = "plan_changed"
	TypeHeartbeatAck                 Type = "heartbeat_ack"
	TypeTerminalAdded                Type = "terminal_added"
	TypeTerminalRemoved              Type = "terminal_removed"
	TypeTerminalReconnected          Type = "terminal_reconnected"
	TypePrimaryChanged               Type = "primary_changed"
	TypeStateSync                    Type = "state_sync"
	TypeDeactivationBroadcast        Type = "deactivation_broadcast"
)

var validTypes = map[Type]bool{
	TypeSubscriptionCancelled:        true,
	TypeSubscriptionReactivated:      true,
	TypeSubscriptionUpdated:          true,
	TypeSubscriptionPastDue:          true,
	TypeSubscriptionPaymentSucceeded: true,
	TypeLicenseRevoked:               true,
	TypeLicenseReactivated:           true,
	TypePlanChanged:                  true,
	TypeHeartbeatAck:                 true,
	TypeTerminalAdded:                true,
	TypeTerminalRemoved:              true,
	TypeTerminalReconnected:          true,
	TypePrimaryChanged:               true,
	TypeStateSync:                    true,
	TypeDeactivationBroadcast:        true,
}

// Valid reports whether t is part of the closed type set.
func (t Type) Valid() bool { return validTypes[t] }

// Envelope is the wire shape of a subscription event. Payload is the
// serialized per-type schema; decode it with DecodePayload when the concrete
// variant is needed.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	LicenseKey string          `json:"licenseKey"`
	Data       json.RawMessage `json:"data"`
}

// Payload variants. Serialization happens at the wire boundary only; the
// rest of the code passes the concrete structs around.

type SubscriptionCancelledPayload struct {
	SubscriptionID    string     `json:"subscriptionId"`
	CancelledAt       time.Time  `json:"cancelledAt"`
	CancelImmediately bool       `json:"cancelImmediately"`
	GracePeriodEnd    *time.Time `json:"gracePeriodEnd,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

func (SubscriptionCancelledPayload) EventType() Type { return TypeSubscriptionCancelled }

type SubscriptionReactivatedPayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	ReactivatedAt  time.Time `json:"reactivatedAt"`
	Status         string    `json:"status"`
}

func (SubscriptionReactivatedPayload) EventType() Type { return TypeSubscriptionReactivated }

type SubscriptionUpdatedPayload struct {
	SubscriptionID   string     `json:"subscriptionId"`
	Status           string     `json:"status"`
	PlanID           string     `json:"planId,omitempty"`
	BillingCycle     string     `json:"billingCycle,omitempty"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool      `json:"cancelAtPeriodEnd"`
}

func (SubscriptionUpdatedPayload) EventType() Type { return TypeSubscriptionUpdated }

type SubscriptionPastDuePayload struct {
	SubscriptionID string     `json:"subscriptionId"`
	GracePeriodEnd *time.Time `json:"gracePeriodEnd,omitempty"`
	FailedAt       time.Time  `json:"failedAt"`
}

func (SubscriptionPastDuePayload) EventType() Type { return TypeSubscriptionPastDue }

type SubscriptionPaymentSucceededPayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	PaymentID      string    `json:"paymentId"`
	AmountCents    int64     `json:"amountCents"`
	Currency       string    `json:"currency"`
	PaidAt         time.Time `json:"paidAt"`
}

func (SubscriptionPaymentSucceededPayload) EventType() Type { return TypeSubscriptionPaymentSucceeded }

type LicenseRevokedPayload struct {
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revokedAt"`
}

func (LicenseRevokedPayload) EventType() Type { return TypeLicenseRevoked }

type LicenseReactivatedPayload struct {
	ReactivatedAt time.Time `json:"reactivatedAt"`
}

func (LicenseReactivatedPayload) EventType() Type { return TypeLicenseReactivated }

type PlanChangedPayload struct {
	OldPlanID     string    `json:"oldPlanId"`
	NewPlanID     string    `json:"newPlanId"`
	NewLicenseKey string    `json:"newLicenseKey"`
	ChangedAt     time.Time `json:"changedAt"`
}

func (PlanChangedPayload) EventType() Type { return TypePlanChanged }

type HeartbeatAckPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (HeartbeatAckPayload) EventType() Type { return TypeHeartbeatAck }

type TerminalAddedPayload struct {
	TerminalID   string    `json:"terminalId"`
	TerminalName string    `json:"terminalName"`
	AddedAt      time.Time `json:"addedAt"`
}

func (TerminalAddedPayload) EventType() Type { return TypeTerminalAdded }

type TerminalRemovedPayload struct {
	TerminalID string    `json:"terminalId"`
	RemovedAt  time.Time `json:"removedAt"`
	Reason     string    `json:"reason,omitempty"`
}

func (TerminalRemovedPayload) EventType() Type { return TypeTerminalRemoved }

type TerminalReconnectedPayload struct {
	TerminalID    string    `json:"terminalId"`
	ReconnectedAt time.Time `json:"reconnectedAt"`
}

func (TerminalReconnectedPayload) EventType() Type { return TypeTerminalReconnected }

type PrimaryChangedPayload struct {
	TerminalID string    `json:"terminalId"`
	ChangedAt  time.Time `json:"changedAt"`
}

func (PrimaryChangedPayload) EventType() Type { return TypePrimaryChanged }

type StateSyncPayload struct {
	SubscriptionStatus string     `json:"subscriptionStatus"`
	LicenseActive      bool       `json:"licenseActive"`
	MaxTerminals       int        `json:"maxTerminals"`
	ActiveTerminals    int        `json:"activeTerminals"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	SyncedAt           time.Time  `json:"syncedAt"`
}

func (StateSyncPayload) EventType() Type { return TypeStateSync }

type DeactivationBroadcastPayload struct {
	TerminalID    string    `json:"terminalId"`
	DeactivatedAt time.Time `json:"deactivatedAt"`
	Immediate     bool      `json:"immediate"`
}

func (DeactivationBroadcastPayload) EventType() Type { return TypeDeactivationBroadcast }

// Payload is implemented by every event payload variant.
type Payload interface {
	EventType() Type
}

// New builds an envelope for a payload, minting a fresh event ID.
func New(licenseKey string, payload Payload) (Envelope, error) {
	return NewWithID(uuid.NewString(), licenseKey, payload)
}

// NewWithID builds an envelope reusing an existing event ID. The retry
// engine uses this so redelivered events keep their identity and downstream
// acknowledgement stays idempotent.
func NewWithID(id, licenseKey string, payload Payload) (Envelope, error) {
	if payload == nil {
		return Envelope{}, fmt.Errorf("event payload is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}
	return Envelope{
		ID:         id,
		Type:       payload.EventType(),
		Timestamp:  time.Now().UTC(),
		LicenseKey: strings.ToUpper(strings.TrimSpace(licenseKey)),
		Data:       data,
	}, nil
}

// Validate checks the envelope invariants before publish.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if strings.TrimSpace(e.LicenseKey) == "" {
		return fmt.Errorf("license key is required")
	}
	return nil
}

// DecodePayload decodes the envelope data into the concrete variant for its
// type.
func (e Envelope) DecodePayload() (Payload, error) {
	var p Payload
	switch e.Type {
	case TypeSubscriptionCancelled:
		p = &SubscriptionCancelledPayload{}
	case TypeSubscriptionReactivated:
		p = &SubscriptionReactivatedPayload{}
	case TypeSubscriptionUpdated:
		p = &SubscriptionUpdatedPayload{}
	case TypeSubscriptionPastDue:
		p = &SubscriptionPastDuePayload{}
	case TypeSubscriptionPaymentSucceeded:
		p = &SubscriptionPaymentSucceededPayload{}
	case TypeLicenseRevoked:
		p = &LicenseRevokedPayload{}
	case TypeLicenseReactivated:
		p = &LicenseReactivatedPayload{}
	case TypePlanChanged:
		p = &PlanChangedPayload{}
	case TypeHeartbeatAck:
		p = &HeartbeatAckPayload{}
	case TypeTerminalAdded:
		p = &TerminalAddedPayload{}
	case TypeTerminalRemoved:
		p = &TerminalRemovedPayload{}
	case TypeTerminalReconnected:
		p = &TerminalReconnectedPayload{}
	case TypePrimaryChanged:
		p = &PrimaryChangedPayload{}
	case TypeStateSync:
		p = &StateSyncPayload{}
	case TypeDeactivationBroadcast:
		p = &DeactivationBroadcastPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// Channel returns the per-license pub/sub channel name for a license key.
func Channel(licenseKey string) string {
	return "sse:license:" + strings.ToUpper(strings.TrimSpace(licenseKey))
}
