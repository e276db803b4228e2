package store

import (
	"context"
	"testing"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/stretchr/testify/require"
)

func TestRetryAttemptHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	n, err := st.CountRetryAttempts(ctx, "evt-1")
	require.NoError(t, err)
	require.Zero(t, n)

	for i := 1; i <= 3; i++ {
		next := time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, st.InsertRetryAttempt(ctx, RetryAttempt{
			EventID: "evt-1", AttemptNumber: i, Result: RetryFailed,
			ErrorMessage: "no ack", NextRetryAt: &next,
			BackoffDelayMs: int64(i * 1000),
		}))
	}

	n, err = st.CountRetryAttempts(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	last, err := st.LastRetryError(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, "no ack", last)
}

func TestDeadLetterLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := DeadLetterEntry{
		EventID: "evt-1", LicenseKey: testLicense,
		Type: event.TypeSubscriptionCancelled, Payload: []byte(`{"reason":"x"}`),
		OriginalCreatedAt: now.Add(-time.Hour), RetryCount: 5,
		LastErrorMessage: "acknowledgement timeout",
	}
	require.NoError(t, st.InsertDeadLetter(ctx, entry))
	// A second escalation of the same event is a no-op.
	require.NoError(t, st.InsertDeadLetter(ctx, entry))

	got, err := st.GetDeadLetter(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, DLQPendingReview, got.Status)
	require.Equal(t, 5, got.RetryCount)

	pending, err := st.ListDeadLetters(ctx, DLQPendingReview, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.UpdateDeadLetterStatus(ctx, "evt-1", DLQResolved, "ops@aurswift", "fixed upstream"))

	got, err = st.GetDeadLetter(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, DLQResolved, got.Status)
	require.Equal(t, "ops@aurswift", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	pending, err = st.ListDeadLetters(ctx, DLQPendingReview, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	all, err := st.ListDeadLetters(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUpdateDeadLetterStatusUnknownEvent(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateDeadLetterStatus(context.Background(), "evt-missing", DLQResolved, "ops", "")
	require.Error(t, err)
}
