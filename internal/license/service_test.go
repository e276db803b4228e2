package license

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/stretchr/testify/require"
)

var testClock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	fabric := event.NewFabric(bus, st, 24*time.Hour)

	svc := NewService(st, fabric, NewSigner("test-secret"), Limits{
		MaxDeactivationsPerYear: 3,
		GracePaid:               7 * 24 * time.Hour,
		GracePastDue:            3 * 24 * time.Hour,
	})
	svc.now = func() time.Time { return testClock }
	return svc, st
}

// seedLicense creates a customer, a subscription in the given status, and a
// minted license with the given terminal cap.
func seedLicense(t *testing.T, svc *Service, st *store.Store, subStatus string, maxTerminals int) string {
	t.Helper()
	ctx := context.Background()

	key, err := svc.signer.Mint(PlanPro, "cust_1")
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.UpsertCustomer(ctx, tx, store.Customer{
			ID: "cust_1", Email: "owner@shop.example", ExternalCustomerID: "cus_ext_1",
		}); err != nil {
			return err
		}
		if err := st.UpsertSubscription(ctx, tx, store.Subscription{
			ID: "sub_1", CustomerID: "cust_1", PlanID: "pro",
			Status: subStatus, ExternalSubscriptionID: "sub_ext_1",
		}); err != nil {
			return err
		}
		return st.InsertLicense(ctx, tx, store.License{
			Key: key, CustomerID: "cust_1", SubscriptionID: "sub_1",
			PlanID: "pro", MaxTerminals: maxTerminals,
		})
	})
	require.NoError(t, err)
	return key
}

func activate(t *testing.T, svc *Service, key, machine string) (*ActivateResult, error) {
	t.Helper()
	return svc.Activate(context.Background(), ActivateRequest{
		LicenseKey:    key,
		MachineIDHash: machine,
		TerminalName:  "Till " + machine,
	})
}

func TestActivateUpToCapacity(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 2)

	res1, err := activate(t, svc, key, "machine-a")
	require.NoError(t, err)
	require.False(t, res1.AlreadyActive)

	res2, err := activate(t, svc, key, "machine-b")
	require.NoError(t, err)
	require.False(t, res2.AlreadyActive)

	// Advance past the displacement grace window so the cap is firm.
	svc.now = func() time.Time { return testClock.Add(25 * time.Hour) }

	_, err = activate(t, svc, key, "machine-c")
	require.Error(t, err)
	require.Equal(t, apperrors.KindPermanentRule, apperrors.KindOf(err))
	require.Contains(t, err.Error(), MsgMaxTerminalsReached)
}

func TestActivateDisplacesFreshActivation(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)

	_, err := activate(t, svc, key, "machine-a")
	require.NoError(t, err)

	// Within 24h of machine-a's activation a replacement till may take
	// its slot.
	svc.now = func() time.Time { return testClock.Add(time.Hour) }
	res, err := activate(t, svc, key, "machine-b")
	require.NoError(t, err)
	require.False(t, res.AlreadyActive)

	var active []store.Activation
	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		var e error
		active, e = st.ListActiveActivations(context.Background(), tx, key)
		return e
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "machine-b", active[0].MachineIDHash)
}

func TestConcurrentActivationsRespectCapacity(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 2)
	ctx := context.Background()

	// Four tills racing for two slots. Fresh activations may displace each
	// other inside the grace window, but the live count never exceeds the
	// cap because each attempt serializes on the write transaction.
	machines := []string{"machine-a", "machine-b", "machine-c", "machine-d"}
	errs := make(chan error, len(machines))
	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(machine string) {
			defer wg.Done()
			_, err := svc.Activate(ctx, ActivateRequest{
				LicenseKey:    key,
				MachineIDHash: machine,
				TerminalName:  "Till " + machine,
			})
			errs <- err
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			require.Equal(t, apperrors.KindPermanentRule, apperrors.KindOf(err))
		}
	}

	var active []store.Activation
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		var e error
		active, e = st.ListActiveActivations(ctx, tx, key)
		return e
	})
	require.NoError(t, err)
	require.Len(t, active, 2)

	lic, err := st.GetLicense(ctx, nil, key)
	require.NoError(t, err)
	require.Equal(t, 2, lic.ActivationCount)

	// Past the displacement window the cap is firm: late arrivals all lose.
	svc.now = func() time.Time { return testClock.Add(25 * time.Hour) }
	late := make(chan error, 2)
	for _, m := range []string{"machine-x", "machine-y"} {
		wg.Add(1)
		go func(machine string) {
			defer wg.Done()
			_, err := svc.Activate(ctx, ActivateRequest{
				LicenseKey:    key,
				MachineIDHash: machine,
				TerminalName:  "Till " + machine,
			})
			late <- err
		}(m)
	}
	wg.Wait()
	close(late)
	for err := range late {
		require.Error(t, err)
		require.Contains(t, err.Error(), MsgMaxTerminalsReached)
	}
}

func TestActivateSameMachineIsIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)

	_, err := activate(t, svc, key, "machine-a")
	require.NoError(t, err)

	res, err := activate(t, svc, key, "machine-a")
	require.NoError(t, err)
	require.True(t, res.AlreadyActive)
}

func TestActivateRejectsBadInput(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)

	_, err := activate(t, svc, "AUR-NOT-A-KEY", "machine-a")
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = activate(t, svc, key, "")
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestActivateBlockedStates(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		svc, st := newTestService(t)
		seedLicense(t, svc, st, store.SubStatusActive, 1)
		_, err := activate(t, svc, "AUR-PRO-V2-00000000-00000000", "machine-a")
		require.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	})

	t.Run("revoked license", func(t *testing.T) {
		svc, st := newTestService(t)
		key := seedLicense(t, svc, st, store.SubStatusActive, 1)
		err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
			return st.RevokeLicense(context.Background(), tx, key, "test")
		})
		require.NoError(t, err)

		_, err = activate(t, svc, key, "machine-a")
		require.Error(t, err)
		require.Contains(t, err.Error(), MsgLicenseRevoked)
	})

	t.Run("inactive subscription", func(t *testing.T) {
		svc, st := newTestService(t)
		key := seedLicense(t, svc, st, store.SubStatusPastDue, 1)
		_, err := activate(t, svc, key, "machine-a")
		require.Error(t, err)
		require.Contains(t, err.Error(), MsgSubscriptionInactive)
	})

	t.Run("trialing subscription allows activation", func(t *testing.T) {
		svc, st := newTestService(t)
		key := seedLicense(t, svc, st, store.SubStatusTrialing, 1)
		_, err := activate(t, svc, key, "machine-a")
		require.NoError(t, err)
	})
}

func TestEvaluateGrace(t *testing.T) {
	svc, _ := newTestService(t)
	now := testClock
	day := 24 * time.Hour
	ts := func(t time.Time) *time.Time { return &t }

	tests := []struct {
		name        string
		sub         *store.Subscription
		valid       bool
		remainingMs int64
	}{
		{"no subscription fails open", nil, true, 0},
		{"active never disables", &store.Subscription{Status: store.SubStatusActive}, true, 0},
		{
			"trialing before trial end",
			&store.Subscription{Status: store.SubStatusTrialing, TrialEnd: ts(now.Add(day))},
			true, 0,
		},
		{
			"trialing past trial end inside grace",
			&store.Subscription{Status: store.SubStatusTrialing, TrialEnd: ts(now.Add(-6 * day))},
			true, day.Milliseconds(),
		},
		{
			"trialing past trial end past grace",
			&store.Subscription{Status: store.SubStatusTrialing, TrialEnd: ts(now.Add(-8 * day))},
			false, 0,
		},
		{
			"cancelled paid six days ago",
			&store.Subscription{Status: store.SubStatusCancelled, CanceledAt: ts(now.Add(-6 * day))},
			true, day.Milliseconds(),
		},
		{
			"cancelled paid eight days ago",
			&store.Subscription{Status: store.SubStatusCancelled, CanceledAt: ts(now.Add(-8 * day))},
			false, 0,
		},
		{
			"cancelled during trial runs grace from trial end",
			&store.Subscription{
				Status:     store.SubStatusCancelled,
				TrialEnd:   ts(now.Add(-2 * day)),
				CanceledAt: ts(now.Add(-5 * day)),
			},
			true, 5 * day.Milliseconds(),
		},
		{
			"past due inside grace",
			&store.Subscription{Status: store.SubStatusPastDue, CurrentPeriodEnd: ts(now.Add(-2 * day))},
			true, day.Milliseconds(),
		},
		{
			"past due past grace",
			&store.Subscription{Status: store.SubStatusPastDue, CurrentPeriodEnd: ts(now.Add(-4 * day))},
			false, 0,
		},
		{
			"past due without period end fails closed",
			&store.Subscription{Status: store.SubStatusPastDue},
			false, 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := svc.evaluateGrace(tc.sub, now)
			require.Equal(t, tc.valid, got.IsValid)
			require.Equal(t, tc.remainingMs, got.GracePeriodRemainingMs)
		})
	}
}

func TestHeartbeatOnRevokedLicense(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)
	_, err := activate(t, svc, key, "machine-a")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), key, "chargeback"))

	res, err := svc.Heartbeat(context.Background(), key, "machine-a")
	require.NoError(t, err)
	require.False(t, res.IsValid)
}

func TestDeactivateCapPerYear(t *testing.T) {
	svc, st := newTestService(t)
	svc.limits.MaxDeactivationsPerYear = 1
	key := seedLicense(t, svc, st, store.SubStatusActive, 2)
	ctx := context.Background()

	_, err := activate(t, svc, key, "machine-a")
	require.NoError(t, err)
	_, err = activate(t, svc, key, "machine-b")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, key, "machine-a"))

	err = svc.Deactivate(ctx, key, "machine-b")
	require.Error(t, err)
	require.Contains(t, err.Error(), MsgMaxDeactivationsReached)
}

func TestDeactivateCapCountsOnlyVoluntaryReleases(t *testing.T) {
	svc, st := newTestService(t)
	svc.limits.MaxDeactivationsPerYear = 1
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)
	ctx := context.Background()

	_, err := activate(t, svc, key, "machine-a")
	require.NoError(t, err)

	// A revocation cascade tears down machine-a, but the operator never
	// asked for it; reinstating must leave the full allowance intact.
	require.NoError(t, svc.Revoke(ctx, key, "billing dispute"))
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.ReinstateLicense(ctx, tx, key)
	})
	require.NoError(t, err)

	_, err = activate(t, svc, key, "machine-b")
	require.NoError(t, err)

	// Grace-window displacement of machine-b is involuntary too.
	svc.now = func() time.Time { return testClock.Add(time.Hour) }
	_, err = activate(t, svc, key, "machine-c")
	require.NoError(t, err)

	// First operator-requested release: inside the allowance.
	require.NoError(t, svc.Deactivate(ctx, key, "machine-c"))

	_, err = activate(t, svc, key, "machine-d")
	require.NoError(t, err)

	err = svc.Deactivate(ctx, key, "machine-d")
	require.Error(t, err)
	require.Contains(t, err.Error(), MsgMaxDeactivationsReached)
}

func TestDeactivateUnknownMachine(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)

	err := svc.Deactivate(context.Background(), key, "machine-x")
	require.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestRevokePersistsAndStoresEvent(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)
	ctx := context.Background()

	require.NoError(t, svc.Revoke(ctx, key, "fraud"))

	lic, err := st.GetLicense(ctx, nil, key)
	require.NoError(t, err)
	require.False(t, lic.IsActive)
	require.NotNil(t, lic.RevokedAt)

	// The revocation event lands in the replay store for offline terminals.
	events, err := st.ListEventsAfter(ctx, key, "", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, event.TypeLicenseRevoked, events[0].Type)
}

func TestAuthorizeConnection(t *testing.T) {
	svc, st := newTestService(t)
	key := seedLicense(t, svc, st, store.SubStatusActive, 1)
	ctx := context.Background()

	lic, err := svc.AuthorizeConnection(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, lic.Key)

	// A structurally valid key signed for another customer must not pass.
	forged, err := NewSigner("test-secret").Mint(PlanPro, "cust_other")
	require.NoError(t, err)
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.InsertLicense(ctx, tx, store.License{
			Key: forged, CustomerID: "cust_1", SubscriptionID: "sub_1",
			PlanID: "pro", MaxTerminals: 1,
		})
	})
	require.NoError(t, err)

	_, err = svc.AuthorizeConnection(ctx, forged)
	require.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))

	require.NoError(t, svc.Revoke(ctx, key, "test"))
	_, err = svc.AuthorizeConnection(ctx, key)
	require.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))

	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
}
