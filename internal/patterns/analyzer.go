// Package patterns classifies acknowledgement failures into named patterns
// operators can act on: bursts, timeouts, network trouble, parsing errors,
// and rate limiting.
package patterns

import (
	"context"
	"strings"
	"time"

	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/rs/zerolog/log"
)

// Pattern type names persisted in failure_patterns.
const (
	PatternBurst     = "burst"
	PatternTimeout   = "timeout"
	PatternNetwork   = "network"
	PatternParsing   = "parsing"
	PatternRateLimit = "rate_limit"
)

// Severity tiers.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	// burstThreshold failures within burstWindow on one license is a burst.
	burstThreshold = 5
	burstWindow    = 5 * time.Minute

	timeoutThreshold = 3

	defaultAnalysisWindow = time.Hour
)

var (
	timeoutKeywords   = []string{"timeout", "timed out", "deadline exceeded"}
	networkKeywords   = []string{"dns", "connection refused", "unreachable", "no route", "network is down", "broken pipe", "connection reset"}
	parsingKeywords   = []string{"parse", "parsing", "unmarshal", "invalid json", "unexpected token", "validation"}
	rateLimitKeywords = []string{"429", "too many"}
)

// Analyzer runs the offline failure classification.
type Analyzer struct {
	store  *store.Store
	window time.Duration
	now    func() time.Time
}

// New creates an analyzer over the default one-hour window.
func New(st *store.Store) *Analyzer {
	return &Analyzer{store: st, window: defaultAnalysisWindow, now: time.Now}
}

// Summary reports one analysis pass.
type Summary struct {
	FailuresScanned  int
	PatternsDetected int
}

// Run classifies the window's failed acknowledgements per license and
// upserts a FailurePattern row per detection.
func (a *Analyzer) Run(ctx context.Context) (Summary, error) {
	now := a.now().UTC()
	sum := Summary{}

	acks, err := a.store.ListFailedAcksSince(ctx, now.Add(-a.window))
	if err != nil {
		return sum, err
	}
	sum.FailuresScanned = len(acks)
	if len(acks) == 0 {
		return sum, nil
	}

	byLicense := make(map[string][]store.Acknowledgement)
	for _, ack := range acks {
		byLicense[ack.LicenseKey] = append(byLicense[ack.LicenseKey], ack)
	}

	for licenseKey, failures := range byLicense {
		for _, det := range detect(failures) {
			det.LicenseKey = licenseKey
			if err := a.store.UpsertFailurePattern(ctx, det); err != nil {
				log.Error().Err(err).
					Str("license_key", licenseKey).
					Str("pattern_type", det.PatternType).
					Msg("Failed to record failure pattern")
				continue
			}
			sum.PatternsDetected++
			log.Warn().
				Str("license_key", licenseKey).
				Str("pattern_type", det.PatternType).
				Str("severity", det.Severity).
				Int("occurrences", det.OccurrenceCount).
				Msg("Failure pattern detected")
		}
	}
	return sum, nil
}

// detect inspects one license's failures, ordered oldest first.
func detect(failures []store.Acknowledgement) []store.FailurePattern {
	var out []store.FailurePattern

	first := failures[0].AcknowledgedAt
	last := failures[len(failures)-1].AcknowledgedAt

	if n := maxInWindow(failures, burstWindow); n >= burstThreshold {
		out = append(out, store.FailurePattern{
			PatternType:     PatternBurst,
			Severity:        SeverityHigh,
			OccurrenceCount: n,
			FirstSeen:       first,
			LastSeen:        last,
		})
	}

	counts := map[string]int{}
	for _, f := range failures {
		msg := strings.ToLower(f.ErrorMessage)
		switch {
		case containsAny(msg, timeoutKeywords):
			counts[PatternTimeout]++
		case containsAny(msg, rateLimitKeywords):
			counts[PatternRateLimit]++
		case containsAny(msg, networkKeywords):
			counts[PatternNetwork]++
		case containsAny(msg, parsingKeywords):
			counts[PatternParsing]++
		}
	}

	if n := counts[PatternTimeout]; n >= timeoutThreshold {
		out = append(out, store.FailurePattern{
			PatternType:     PatternTimeout,
			Severity:        SeverityMedium,
			OccurrenceCount: n,
			FirstSeen:       first,
			LastSeen:        last,
		})
	}
	if n := counts[PatternNetwork]; n > 0 {
		out = append(out, store.FailurePattern{
			PatternType:     PatternNetwork,
			Severity:        SeverityMedium,
			OccurrenceCount: n,
			FirstSeen:       first,
			LastSeen:        last,
		})
	}
	if n := counts[PatternParsing]; n > 0 {
		// Parsing failures are deterministic; retries will not fix them.
		out = append(out, store.FailurePattern{
			PatternType:     PatternParsing,
			Severity:        SeverityCritical,
			OccurrenceCount: n,
			FirstSeen:       first,
			LastSeen:        last,
		})
	}
	if n := counts[PatternRateLimit]; n > 0 {
		out = append(out, store.FailurePattern{
			PatternType:     PatternRateLimit,
			Severity:        SeverityLow,
			OccurrenceCount: n,
			FirstSeen:       first,
			LastSeen:        last,
		})
	}
	return out
}

// maxInWindow returns the largest number of failures falling inside any
// sliding window of the given width. Input is ordered oldest first.
func maxInWindow(failures []store.Acknowledgement, window time.Duration) int {
	best := 0
	lo := 0
	for hi := range failures {
		for failures[hi].AcknowledgedAt.Sub(failures[lo].AcknowledgedAt) > window {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
