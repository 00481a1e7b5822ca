package domain

import "strings"

// StitchesRate is the self-declared pace tier used to group users for
// weekly random duels.
type StitchesRate string

const (
	RateRelaxed StitchesRate = "relaxed"
	RateSteady  StitchesRate = "steady"
	RateIntense StitchesRate = "intense"
)

// StitchesRates lists all tiers in canonical order. Pairing processes
// tiers in this order so leftover carry-over is deterministic.
var StitchesRates = []StitchesRate{RateRelaxed, RateSteady, RateIntense}

func ParseStitchesRate(s string) (StitchesRate, bool) {
	switch StitchesRate(strings.ToLower(strings.TrimSpace(s))) {
	case RateRelaxed:
		return RateRelaxed, true
	case RateSteady:
		return RateSteady, true
	case RateIntense:
		return RateIntense, true
	}
	return "", false
}

// UserRef is the minimal user identity carried through duel flows and
// outward notifications.
type UserRef struct {
	ID       int64
	Fullname string
}

// WeeklyCandidate is a user eligible for the weekly random duel batch.
type WeeklyCandidate struct {
	UserRef
	StitchesRate StitchesRate
}
