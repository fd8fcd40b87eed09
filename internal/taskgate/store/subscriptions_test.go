package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

func checkout(subject string, tier tiers.Tier, subID string) CheckoutCompletion {
	return CheckoutCompletion{
		SubjectID:            subject,
		SubjectType:          tiers.SubjectTemporary,
		Tier:                 tier,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: subID,
		StripePriceID:        "price_1",
		PeriodStart:          baseTime,
		PeriodEnd:            baseTime.AddDate(0, 1, 0),
	}
}

func TestApplyCheckout_WritesSubscriptionAndEntitlement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub, ent, err := s.ApplyCheckout(ctx, checkout("s1", tiers.TierPremium, "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, SubscriptionActive, sub.Status)
	assert.Equal(t, tiers.Unlimited, ent.MaxTasks)

	active, err := s.ActiveSubscription(ctx, "s1", tiers.SubjectTemporary)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, tiers.TierPremium, active.Tier)
	assert.Equal(t, "cus_1", active.StripeCustomerID)
	require.NotNil(t, active.CurrentPeriodEnd)
	assert.True(t, baseTime.AddDate(0, 1, 0).Equal(*active.CurrentPeriodEnd))

	stored, err := s.GetEntitlement(ctx, "s1", tiers.SubjectTemporary)
	require.NoError(t, err)
	assert.True(t, stored.Flags.AIGeneration)
	assert.True(t, stored.Flags.AdvancedReporting)
}

func TestApplyCheckout_ReplayUpdatesSameRow(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.ApplyCheckout(ctx, checkout("s1", tiers.TierBasic, "sub_1"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, ent, err := s.ApplyCheckout(ctx, checkout("s1", tiers.TierPremium, "sub_1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, tiers.TierPremium, second.Tier)
	assert.Equal(t, tiers.Unlimited, ent.MaxTasks)

	bySub, err := s.SubscriptionByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiers.TierPremium, bySub.Tier)
}

func TestApplyCheckout_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyCheckout(ctx, checkout("", tiers.TierBasic, "sub_1"))
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	_, _, err = s.ApplyCheckout(ctx, checkout("s1", tiers.Tier("gold"), "sub_1"))
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
}

func TestApplySubscriptionChange_CancelFallsBackToDefaultPlan(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyCheckout(ctx, checkout("s1", tiers.TierBasic, "sub_1"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	sub, ent, err := s.ApplySubscriptionChange(ctx, SubscriptionChange{
		StripeSubscriptionID: "sub_1",
		Status:               SubscriptionCanceled,
	})
	require.NoError(t, err)
	assert.Equal(t, SubscriptionCanceled, sub.Status)
	// Temporary subjects fall back to the beta plan.
	assert.Equal(t, tiers.Unlimited, ent.MaxTasks)

	active, err := s.ActiveSubscription(ctx, "s1", tiers.SubjectTemporary)
	require.NoError(t, err)
	assert.Nil(t, active)

	latest, err := s.LatestSubscription(ctx, "s1", tiers.SubjectTemporary)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, SubscriptionCanceled, latest.Status)
}

func TestApplySubscriptionChange_CancelKeepsOtherActivePlan(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyCheckout(ctx, checkout("s1", tiers.TierBasic, "sub_basic"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, _, err = s.ApplyCheckout(ctx, checkout("s1", tiers.TierPremium, "sub_premium"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, ent, err := s.ApplySubscriptionChange(ctx, SubscriptionChange{
		StripeSubscriptionID: "sub_premium",
		Status:               SubscriptionCanceled,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, ent.MaxTasks)
	assert.False(t, ent.Flags.AIGeneration)

	stored, err := s.GetEntitlement(ctx, "s1", tiers.SubjectTemporary)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.MaxTasks)

	active, err := s.ActiveSubscription(ctx, "s1", tiers.SubjectTemporary)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, tiers.TierBasic, active.Tier)
}

func TestApplySubscriptionChange_RenewalKeepsPlan(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyCheckout(ctx, checkout("s1", tiers.TierBasic, "sub_1"))
	require.NoError(t, err)

	end := baseTime.AddDate(0, 2, 0)
	sub, ent, err := s.ApplySubscriptionChange(ctx, SubscriptionChange{
		StripeSubscriptionID: "sub_1",
		Status:               SubscriptionActive,
		CancelAtPeriodEnd:    true,
		PeriodEnd:            &end,
	})
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.True(t, end.Equal(*sub.CurrentPeriodEnd))
	assert.Equal(t, 50, ent.MaxTasks)
}

func TestApplySubscriptionChange_Unknown(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.ApplySubscriptionChange(context.Background(), SubscriptionChange{
		StripeSubscriptionID: "sub_missing",
		Status:               SubscriptionCanceled,
	})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
