package patterns

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/stretchr/testify/require"
)

const testLicense = "AUR-PRO-V2-A1B2C3D4-0123ABCD"

func newTestAnalyzer(t *testing.T) (*Analyzer, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func failAck(t *testing.T, st *store.Store, licenseKey, terminal, errMsg string, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertAck(context.Background(), store.Acknowledgement{
		EventID:        fmt.Sprintf("evt-%s-%d", terminal, at.UnixNano()),
		LicenseKey:     licenseKey,
		TerminalID:     terminal,
		Status:         event.AckFailed,
		ErrorMessage:   errMsg,
		AcknowledgedAt: at,
	}))
}

func openPatterns(t *testing.T, st *store.Store) map[string]store.FailurePattern {
	t.Helper()
	got, err := st.ListFailurePatterns(context.Background(), true, 100)
	require.NoError(t, err)
	byType := make(map[string]store.FailurePattern, len(got))
	for _, p := range got {
		byType[p.PatternType] = p
	}
	return byType
}

func TestRunDetectsBurst(t *testing.T) {
	a, st := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-10 * time.Minute)

	// Six failures inside five minutes on one license.
	for i := 0; i < 6; i++ {
		failAck(t, st, testLicense, "t1", "handler crashed", base.Add(time.Duration(i)*30*time.Second))
	}

	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, sum.FailuresScanned)
	require.Equal(t, 1, sum.PatternsDetected)

	p := openPatterns(t, st)[PatternBurst]
	require.Equal(t, SeverityHigh, p.Severity)
	require.Equal(t, 6, p.OccurrenceCount)
}

func TestRunBelowBurstThreshold(t *testing.T) {
	a, st := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-50 * time.Minute)

	// Six failures, but spread so no five-minute window holds five.
	for i := 0; i < 6; i++ {
		failAck(t, st, testLicense, "t1", "handler crashed", base.Add(time.Duration(i)*6*time.Minute))
	}

	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, sum.FailuresScanned)
	require.Zero(t, sum.PatternsDetected)
}

func TestRunClassifiesByErrorMessage(t *testing.T) {
	a, st := newTestAnalyzer(t)
	base := time.Now().UTC().Add(-30 * time.Minute)

	msgs := []string{
		"context deadline exceeded",
		"read timed out",
		"dial tcp: i/o timeout",
		"connection refused",
		"unexpected token '<' while parsing payload",
		"HTTP 429 Too Many Requests",
	}
	for i, msg := range msgs {
		failAck(t, st, testLicense, "t1", msg, base.Add(time.Duration(i)*3*time.Minute))
	}

	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, sum.PatternsDetected)

	got := openPatterns(t, st)
	require.Equal(t, SeverityMedium, got[PatternTimeout].Severity)
	require.Equal(t, 3, got[PatternTimeout].OccurrenceCount)
	require.Equal(t, SeverityMedium, got[PatternNetwork].Severity)
	require.Equal(t, 1, got[PatternNetwork].OccurrenceCount)
	require.Equal(t, SeverityCritical, got[PatternParsing].Severity)
	require.Equal(t, SeverityLow, got[PatternRateLimit].Severity)
	require.NotContains(t, got, PatternBurst)
}

func TestRunAccumulatesOpenPattern(t *testing.T) {
	a, st := newTestAnalyzer(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-20 * time.Minute)

	for i := 0; i < 3; i++ {
		failAck(t, st, testLicense, "t1", "request timed out", base.Add(time.Duration(i)*time.Minute))
	}
	_, err := a.Run(ctx)
	require.NoError(t, err)

	// The same open pattern accumulates instead of duplicating.
	for i := 0; i < 3; i++ {
		failAck(t, st, testLicense, "t2", "request timed out", base.Add(10*time.Minute).Add(time.Duration(i)*time.Minute))
	}
	_, err = a.Run(ctx)
	require.NoError(t, err)

	open, err := st.ListFailurePatterns(ctx, true, 100)
	require.NoError(t, err)

	timeouts := 0
	for _, p := range open {
		if p.PatternType == PatternTimeout {
			timeouts++
			require.GreaterOrEqual(t, p.OccurrenceCount, 6)
		}
	}
	require.Equal(t, 1, timeouts)
}

func TestRunIsolatesLicenses(t *testing.T) {
	a, st := newTestAnalyzer(t)
	other := "AUR-BAS-V2-ZZZZ9999-FFFF0000"
	base := time.Now().UTC().Add(-10 * time.Minute)

	for i := 0; i < 5; i++ {
		failAck(t, st, testLicense, "t1", "handler crashed", base.Add(time.Duration(i)*time.Second))
	}
	failAck(t, st, other, "t9", "handler crashed", base)

	_, err := a.Run(context.Background())
	require.NoError(t, err)

	open, err := st.ListFailurePatterns(context.Background(), true, 100)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, testLicense, open[0].LicenseKey)
}

func TestResolvedPatternStaysClosed(t *testing.T) {
	a, st := newTestAnalyzer(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-10 * time.Minute)

	for i := 0; i < 3; i++ {
		failAck(t, st, testLicense, "t1", "request timed out", base.Add(time.Duration(i)*time.Second))
	}
	_, err := a.Run(ctx)
	require.NoError(t, err)

	open, err := st.ListFailurePatterns(ctx, true, 100)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, st.ResolveFailurePattern(ctx, open[0].ID, "ops@aurswift", "terminal firmware updated"))

	// New failures open a fresh pattern; the resolved one keeps its notes.
	_, err = a.Run(ctx)
	require.NoError(t, err)

	all, err := st.ListFailurePatterns(ctx, false, 100)
	require.NoError(t, err)
	require.Len(t, all, 2)

	open, err = st.ListFailurePatterns(ctx, true, 100)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.False(t, open[0].Resolved)
}

func TestMaxInWindow(t *testing.T) {
	base := time.Now().UTC()
	acks := func(offsets ...time.Duration) []store.Acknowledgement {
		out := make([]store.Acknowledgement, len(offsets))
		for i, off := range offsets {
			out[i] = store.Acknowledgement{AcknowledgedAt: base.Add(off)}
		}
		return out
	}

	tests := []struct {
		name string
		in   []store.Acknowledgement
		want int
	}{
		{"single", acks(0), 1},
		{"all inside", acks(0, time.Minute, 2*time.Minute), 3},
		{"split windows", acks(0, time.Minute, 10*time.Minute, 11*time.Minute, 12*time.Minute), 3},
		{"sparse", acks(0, 6*time.Minute, 12*time.Minute), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := maxInWindow(tc.in, 5*time.Minute); got != tc.want {
				t.Errorf("maxInWindow = %d, want %d", got, tc.want)
			}
		})
	}
}
