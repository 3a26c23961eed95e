package domain

import "time"

// ClassifierThresholds hold the tunable boundaries of the behavioral
// classifier. The defaults reflect observed attacker behavior, not hard
// protocol constants, so deployments can adjust them.
type ClassifierThresholds struct {
	// EvadingAfter is how long an unbanned slow attacker must stay under
	// observation before THREAT escalates to EVADING.
	EvadingAfter time.Duration
	// CaughtMinFails is the minimum fails_before_ban on a ban for the
	// slow attacker to count as CAUGHT.
	CaughtMinFails int
	// MinIntervals is the minimum number of attempt intervals required
	// before the slow pattern can be asserted at all.
	MinIntervals int
}

// DefaultThresholds returns the standard classifier boundaries.
func DefaultThresholds() ClassifierThresholds {
	return ClassifierThresholds{
		EvadingAfter:   72 * time.Hour,
		CaughtMinFails: 10,
		MinIntervals:   2,
	}
}

// MeanAttemptInterval returns the mean gap in seconds between consecutive
// attempts in jail, and the number of intervals it was computed from.
func MeanAttemptInterval(r *AttackerRecord, jail string) (float64, int) {
	stamps := r.Attempts.Timestamps[jail]
	if len(stamps) < 2 {
		return 0, 0
	}
	var sum int64
	for i := 1; i < len(stamps); i++ {
		sum += stamps[i] - stamps[i-1]
	}
	n := len(stamps) - 1
	return float64(sum) / float64(n), n
}

// slowPattern reports whether the address paces attempts in any of its
// jails slower than that jail's findtime: each attempt lands outside the
// detection window of the previous one, so rate-based banning never fires.
func slowPattern(r *AttackerRecord, params map[string]JailParams, th ClassifierThresholds) bool {
	for jail := range r.Attempts.Timestamps {
		mean, n := MeanAttemptInterval(r, jail)
		if n < th.MinIntervals {
			continue
		}
		jp, ok := params[jail]
		if !ok {
			jp = DefaultJailParams(jail)
		}
		if mean > jp.Findtime.Seconds() {
			return true
		}
	}
	return false
}

// Classify derives the behavioral classification from the full history.
// It is deterministic and side-effect free; the store recomputes it on
// every append and on every reconciliation.
func Classify(r *AttackerRecord, params map[string]JailParams, th ClassifierThresholds, now time.Time) Classification {
	if !slowPattern(r, params, th) {
		return ClassNone
	}

	if r.TotalBans == 0 {
		if r.LastSeen.Sub(r.FirstSeen) > th.EvadingAfter {
			return ClassEvading
		}
		return ClassThreat
	}

	for i := range r.BanHistory {
		if r.BanHistory[i].FailsBeforeBan >= th.CaughtMinFails {
			return ClassCaught
		}
	}
	return ClassNone
}

// DangerScore rates an address 0..100 from volume, persistence and recency.
func DangerScore(r *AttackerRecord, now time.Time) int {
	score := 0

	if s := r.Attempts.Total / 10; s < 25 {
		score += s
	} else {
		score += 25
	}

	if s := r.TotalBans * 3; s < 25 {
		score += s
	} else {
		score += 25
	}

	// repeat offenders escalated into the recidive jail
	if _, ok := r.Attempts.ByJail["recidive"]; ok {
		score += 20
	}

	switch age := now.Sub(r.LastSeen); {
	case age < 24*time.Hour:
		score += 20
	case age < 7*24*time.Hour:
		score += 10
	case age < 30*24*time.Hour:
		score += 5
	}

	if r.Banned() {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score
}
