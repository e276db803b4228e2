package webhook

import (
	"context"
	"database/sql"
	"testing"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestPlanChanger(t *testing.T) (*PlanChanger, *store.Store, *event.MemoryBus) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	fabric := event.NewFabric(bus, st, 24*time.Hour)

	// Empty API key keeps the remote update out of the picture.
	c := NewPlanChanger(st, fabric, license.NewSigner("test-secret"), "", 3)
	return c, st, bus
}

// seedPlanChangeFixture creates a customer, a subscription in the given
// status, a minted license, and optionally a couple of running terminals.
func seedPlanChangeFixture(t *testing.T, c *PlanChanger, st *store.Store, status string, terminals int) (subID, key string) {
	t.Helper()
	ctx := context.Background()
	subID = "sub_local_1"

	key, err := c.signer.Mint(license.PlanBasic, "cust_1")
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.UpsertCustomer(ctx, tx, store.Customer{
			ID: "cust_1", Email: "owner@shop.example", ExternalCustomerID: "cus_ext_1",
		}); err != nil {
			return err
		}
		if err := st.UpsertSubscription(ctx, tx, store.Subscription{
			ID: subID, CustomerID: "cust_1", PlanID: "basic",
			Status: status, ExternalSubscriptionID: "sub_ext_1",
		}); err != nil {
			return err
		}
		if err := st.InsertLicense(ctx, tx, store.License{
			Key: key, CustomerID: "cust_1", SubscriptionID: subID,
			PlanID: "basic", MaxTerminals: license.MaxTerminalsForPlan(license.PlanBasic),
		}); err != nil {
			return err
		}
		for i := 0; i < terminals; i++ {
			if _, err := st.InsertActivation(ctx, tx, store.Activation{
				LicenseKey:    key,
				MachineIDHash: "machine-" + string(rune('a'+i)),
				TerminalName:  "Till " + string(rune('1'+i)),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return subID, key
}

func TestChangePlanMigratesTrialActivations(t *testing.T) {
	c, st, bus := newTestPlanChanger(t)
	ctx := context.Background()
	subID, oldKey := seedPlanChangeFixture(t, c, st, store.SubStatusTrialing, 2)

	got := make(chan event.Envelope, 4)
	cancel, err := bus.Subscribe(ctx, oldKey, func(e event.Envelope) { got <- e })
	require.NoError(t, err)
	defer cancel()

	result, err := c.ChangePlan(ctx, PlanChangeRequest{SubscriptionID: subID, NewPlan: "pro"})
	require.NoError(t, err)
	require.True(t, result.RemoteUpdateSkipped)
	require.Equal(t, []string{oldKey}, result.OldLicenseKeys)
	require.EqualValues(t, 2, result.MigratedActivations)
	require.True(t, license.ValidFormat(result.NewLicenseKey))
	require.NotEqual(t, oldKey, result.NewLicenseKey)

	// Old key is dead, new key carries the pro capacity and the terminals.
	old, err := st.GetLicense(ctx, nil, oldKey)
	require.NoError(t, err)
	require.False(t, old.IsActive)
	require.Equal(t, "plan changed", old.RevocationReason)

	newLic, err := st.GetLicense(ctx, nil, result.NewLicenseKey)
	require.NoError(t, err)
	require.True(t, newLic.IsActive)
	require.Equal(t, 3, newLic.MaxTerminals)

	moved, err := st.ListActiveActivations(ctx, nil, result.NewLicenseKey)
	require.NoError(t, err)
	require.Len(t, moved, 2)
	left, err := st.ListActiveActivations(ctx, nil, oldKey)
	require.NoError(t, err)
	require.Empty(t, left)

	// Revocation lands before the pointer to the new key.
	first := <-got
	require.Equal(t, event.TypeLicenseRevoked, first.Type)
	second := <-got
	require.Equal(t, event.TypePlanChanged, second.Type)

	payload, err := second.DecodePayload()
	require.NoError(t, err)
	pc, ok := payload.(*event.PlanChangedPayload)
	require.True(t, ok)
	require.Equal(t, "basic", pc.OldPlanID)
	require.Equal(t, "pro", pc.NewPlanID)
	require.Equal(t, result.NewLicenseKey, pc.NewLicenseKey)

	sub, err := st.GetSubscription(ctx, nil, subID)
	require.NoError(t, err)
	require.Equal(t, "pro", sub.PlanID)
}

func TestChangePlanPaidDoesNotMigrate(t *testing.T) {
	c, st, _ := newTestPlanChanger(t)
	ctx := context.Background()
	subID, oldKey := seedPlanChangeFixture(t, c, st, store.SubStatusActive, 1)

	result, err := c.ChangePlan(ctx, PlanChangeRequest{SubscriptionID: subID, NewPlan: "enterprise"})
	require.NoError(t, err)
	require.Zero(t, result.MigratedActivations)

	// Paid changes re-activate against the new key; nothing moves.
	moved, err := st.ListActiveActivations(ctx, nil, result.NewLicenseKey)
	require.NoError(t, err)
	require.Empty(t, moved)
	_ = oldKey
}

func TestChangePlanTrialCap(t *testing.T) {
	c, st, _ := newTestPlanChanger(t)
	ctx := context.Background()
	subID, _ := seedPlanChangeFixture(t, c, st, store.SubStatusTrialing, 0)

	for _, plan := range []string{"pro", "basic", "pro"} {
		_, err := c.ChangePlan(ctx, PlanChangeRequest{SubscriptionID: subID, NewPlan: plan})
		require.NoError(t, err)
	}

	_, err := c.ChangePlan(ctx, PlanChangeRequest{SubscriptionID: subID, NewPlan: "enterprise"})
	require.Equal(t, apperrors.KindPermanentRule, apperrors.KindOf(err))
	require.Equal(t, MsgMaxPlanChanges, apperrors.UserMessage(err))
}

func TestChangePlanRejectsCancelledAndUnknown(t *testing.T) {
	c, st, _ := newTestPlanChanger(t)
	ctx := context.Background()
	subID, _ := seedPlanChangeFixture(t, c, st, store.SubStatusCancelled, 0)

	_, err := c.ChangePlan(ctx, PlanChangeRequest{SubscriptionID: subID, NewPlan: "pro"})
	require.Equal(t, apperrors.KindPermanentRule, apperrors.KindOf(err))

	_, err = c.ChangePlan(ctx, PlanChangeRequest{SubscriptionID: "sub_missing", NewPlan: "pro"})
	require.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	_, err = c.ChangePlan(ctx, PlanChangeRequest{SubscriptionID: subID, NewPlan: "  "})
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	_ = st
}
