package tiers

// Capability is a named feature gated by a minimum tier.
type Capability struct {
	Name    string
	MinTier Tier
}

var (
	CapabilityTasks             = Capability{Name: "tasks", MinTier: TierFree}
	CapabilityAnalytics         = Capability{Name: "analytics", MinTier: TierFree}
	CapabilitySlackIntegration  = Capability{Name: "slack_integration", MinTier: TierBasic}
	CapabilityTeamMembers       = Capability{Name: "team_members", MinTier: TierBasic}
	CapabilityAdvancedReporting = Capability{Name: "advanced_reporting", MinTier: TierPremium}
	CapabilityAIGeneration      = Capability{Name: "ai_generation", MinTier: TierPremium}
)

// Capabilities lists every gated capability.
func Capabilities() []Capability {
	return []Capability{
		CapabilityTasks,
		CapabilityAnalytics,
		CapabilitySlackIntegration,
		CapabilityTeamMembers,
		CapabilityAdvancedReporting,
		CapabilityAIGeneration,
	}
}

// Decision is the outcome of Authorize.
type Decision bool

const (
	Allowed Decision = true
	Denied  Decision = false
)

func (d Decision) String() string {
	if d {
		return "allowed"
	}
	return "denied"
}

// Authorize decides whether a principal on tier t may use c.
func Authorize(t Tier, c Capability) Decision {
	return Decision(Rank(t) >= Rank(c.MinTier))
}
