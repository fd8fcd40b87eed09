package tiers

import "sort"

// Unlimited marks a ceiling without a limit.
const Unlimited = -1

// FeatureFlags is the closed set of boolean capabilities stored on an
// entitlement, plus an open map for experimental flags.
type FeatureFlags struct {
	Analytics         bool            `json:"analytics"`
	SlackIntegration  bool            `json:"slackIntegration"`
	AIGeneration      bool            `json:"aiGeneration"`
	AdvancedReporting bool            `json:"advancedReporting"`
	Extra             map[string]bool `json:"extra,omitempty"`
}

// Has reports whether the named flag is set.
func (f FeatureFlags) Has(name string) bool {
	switch name {
	case CapabilityAnalytics.Name:
		return f.Analytics
	case CapabilitySlackIntegration.Name:
		return f.SlackIntegration
	case CapabilityAIGeneration.Name:
		return f.AIGeneration
	case CapabilityAdvancedReporting.Name:
		return f.AdvancedReporting
	}
	return f.Extra[name]
}

// Plan is the fixed configuration applied when a subject moves to a tier.
type Plan struct {
	Tier           Tier         `json:"tier"`
	Name           string       `json:"name"`
	PriceCents     int64        `json:"priceCents"`
	Interval       string       `json:"interval"`
	MaxTasks       int          `json:"maxTasks"`
	MaxTeamMembers int          `json:"maxTeamMembers"`
	Flags          FeatureFlags `json:"features"`
	Purchasable    bool         `json:"purchasable"`
}

var allFlags = FeatureFlags{
	Analytics:         true,
	SlackIntegration:  true,
	AIGeneration:      true,
	AdvancedReporting: true,
}

var plans = map[Tier]Plan{
	TierFree: {
		Tier:           TierFree,
		Name:           "Free",
		MaxTasks:       10,
		MaxTeamMembers: 1,
		Flags:          FeatureFlags{Analytics: true},
	},
	TierBasic: {
		Tier:           TierBasic,
		Name:           "Basic",
		PriceCents:     1999,
		Interval:       "month",
		MaxTasks:       50,
		MaxTeamMembers: 5,
		Flags:          FeatureFlags{Analytics: true, SlackIntegration: true},
		Purchasable:    true,
	},
	TierPremium: {
		Tier:           TierPremium,
		Name:           "Premium",
		PriceCents:     4999,
		Interval:       "month",
		MaxTasks:       Unlimited,
		MaxTeamMembers: Unlimited,
		Flags:          allFlags,
		Purchasable:    true,
	},
	TierBeta: {
		Tier:           TierBeta,
		Name:           "Unlimited Beta",
		MaxTasks:       Unlimited,
		MaxTeamMembers: Unlimited,
		Flags:          allFlags,
	},
}

// PlanFor returns the plan of t; unknown tiers get the free plan.
func PlanFor(t Tier) Plan {
	if p, ok := plans[t]; ok {
		return p
	}
	return plans[TierFree]
}

// PurchasablePlans lists the plans offered at checkout, cheapest first.
func PurchasablePlans() []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		if p.Purchasable {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out
}

// WithinLimit reports whether used stays under limit; Unlimited never binds.
func WithinLimit(limit, used int) bool {
	return limit == Unlimited || used < limit
}
