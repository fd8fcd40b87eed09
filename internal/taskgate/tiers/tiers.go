// Package tiers defines service tiers, their fixed ordering and the
// capabilities each tier unlocks.
package tiers

import "strings"

// Tier represents a service level.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierBeta    Tier = "beta" // Same rank as premium, kept distinct in storage
)

// tierRank is the fixed total order over tiers. Anything not listed ranks as free.
var tierRank = map[Tier]int{
	TierFree:    0,
	TierBasic:   1,
	TierBeta:    2,
	TierPremium: 2,
}

// ParseTier normalizes a stored or declared tier value. Legacy literals map to
// their current tier; unknown values map to free.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return TierBasic
	case "premium":
		return TierPremium
	case "beta", "unlimited_beta":
		return TierBeta
	default:
		return TierFree
	}
}

// Rank returns the ordering weight of t.
func Rank(t Tier) int {
	return tierRank[t]
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Higher reports whether a ranks strictly above b.
func Higher(a, b Tier) bool {
	return Rank(a) > Rank(b)
}

// SubjectType distinguishes the two authentication channels.
type SubjectType string

const (
	SubjectTemporary SubjectType = "temporary"
	SubjectPlatform  SubjectType = "platform"
)

// ParseSubjectType accepts the current and legacy subject type literals.
func ParseSubjectType(s string) (SubjectType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "temporary", "demo":
		return SubjectTemporary, true
	case "platform", "user", "replit":
		return SubjectPlatform, true
	default:
		return "", false
	}
}

// DefaultTier is the tier a subject has without an active subscription.
// Temporary signups run on the beta program; platform users get premium.
func DefaultTier(st SubjectType) Tier {
	if st == SubjectPlatform {
		return TierPremium
	}
	return TierBeta
}
