// Package access combines the resolved principal, its subscription and its
// entitlement into authorization decisions.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

// Store is the subset of the store the policy reads.
type Store interface {
	ActiveSubscription(ctx context.Context, subjectID string, subjectType tiers.SubjectType) (*store.Subscription, error)
	GetEntitlement(ctx context.Context, subjectID string, subjectType tiers.SubjectType) (*store.Entitlement, error)
	CountTasksByAssignee(ctx context.Context, assigneeID string) (int, error)
	EnsureEntitlement(ctx context.Context, subjectID string, subjectType tiers.SubjectType, p tiers.Plan) (*store.Entitlement, bool, error)
}

// Policy answers tier and quota questions for a principal.
type Policy struct {
	store Store
	now   func() time.Time

	// provisioned holds subjects known to have an entitlement row.
	provisioned sync.Map
}

// NewPolicy returns a policy reading from s.
func NewPolicy(s Store) *Policy {
	return &Policy{store: s, now: time.Now}
}

// SetClock overrides the time source used for entitlement expiry.
func (p *Policy) SetClock(now func() time.Time) {
	p.now = now
}

// FreeEntitlement is the entitlement of a subject with no stored record.
func FreeEntitlement(subjectID string, subjectType tiers.SubjectType) store.Entitlement {
	return store.EntitlementFromPlan(subjectID, subjectType, tiers.PlanFor(tiers.TierFree))
}

// Provision stores the default plan of the principal's tier when the subject
// has no entitlement yet. Existing entitlements are left untouched.
func (p *Policy) Provision(ctx context.Context, pr principal.Principal) error {
	key := string(pr.SubjectType) + ":" + pr.SubjectID
	if _, ok := p.provisioned.Load(key); ok {
		return nil
	}
	tier := tiers.ParseTier(string(pr.Tier))
	if pr.Tier == "" {
		tier = tiers.DefaultTier(pr.SubjectType)
	}
	if _, _, err := p.store.EnsureEntitlement(ctx, pr.SubjectID, pr.SubjectType, tiers.PlanFor(tier)); err != nil {
		return fmt.Errorf("provision entitlement: %w", err)
	}
	p.provisioned.Store(key, struct{}{})
	return nil
}

// EffectiveTier is the tier of an active subscription, else the tier the
// principal carries. The subscription is returned when one is active.
func (p *Policy) EffectiveTier(ctx context.Context, pr principal.Principal) (tiers.Tier, *store.Subscription, error) {
	sub, err := p.store.ActiveSubscription(ctx, pr.SubjectID, pr.SubjectType)
	if err != nil {
		return "", nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub != nil {
		return sub.Tier, sub, nil
	}
	return tiers.ParseTier(string(pr.Tier)), nil, nil
}

// Entitlement returns the stored entitlement, or the free default when it is
// absent or expired.
func (p *Policy) Entitlement(ctx context.Context, pr principal.Principal) (store.Entitlement, error) {
	e, err := p.store.GetEntitlement(ctx, pr.SubjectID, pr.SubjectType)
	if err != nil {
		return store.Entitlement{}, fmt.Errorf("load entitlement: %w", err)
	}
	if e == nil || e.Expired(p.now()) {
		return FreeEntitlement(pr.SubjectID, pr.SubjectType), nil
	}
	return *e, nil
}

// Authorize returns an Unauthorized error naming the required tier when the
// principal's effective tier is below the capability's minimum.
func (p *Policy) Authorize(ctx context.Context, pr principal.Principal, c tiers.Capability) error {
	tier, _, err := p.EffectiveTier(ctx, pr)
	if err != nil {
		return err
	}
	if tiers.Authorize(tier, c) == tiers.Denied {
		return apperrors.Unauthorized("authorize", string(c.MinTier),
			fmt.Sprintf("%s requires the %s plan", c.Name, c.MinTier))
	}
	return nil
}

// CheckTaskQuota fails with Unauthorized when the principal already holds as
// many tasks as the entitlement allows.
func (p *Policy) CheckTaskQuota(ctx context.Context, pr principal.Principal) error {
	return p.CheckTaskQuotaN(ctx, pr, 1)
}

// CheckTaskQuotaN fails with Unauthorized unless n more tasks fit within the
// entitlement. Batches are admitted whole or not at all.
func (p *Policy) CheckTaskQuotaN(ctx context.Context, pr principal.Principal, n int) error {
	if n < 1 {
		return nil
	}
	e, err := p.Entitlement(ctx, pr)
	if err != nil {
		return err
	}
	if e.MaxTasks == tiers.Unlimited {
		return nil
	}
	used, err := p.store.CountTasksByAssignee(ctx, pr.AssigneeID())
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	if tiers.WithinLimit(e.MaxTasks, used+n-1) {
		return nil
	}
	tier, _, err := p.EffectiveTier(ctx, pr)
	if err != nil {
		return err
	}
	return apperrors.Unauthorized("create_task", upgradeTier(tier),
		fmt.Sprintf("task limit of %d reached", e.MaxTasks))
}

// upgradeTier names the tier that lifts a limit, or "" when no purchasable
// tier ranks above t.
func upgradeTier(t tiers.Tier) string {
	next := NextTier(t)
	if !tiers.Higher(next, t) {
		return ""
	}
	return string(next)
}

// NextTier is the cheapest purchasable tier ranked above t, or t itself when
// nothing ranks higher.
func NextTier(t tiers.Tier) tiers.Tier {
	for _, plan := range tiers.PurchasablePlans() {
		if tiers.Higher(plan.Tier, t) {
			return plan.Tier
		}
	}
	return t
}
