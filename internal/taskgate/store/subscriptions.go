package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const subscriptionColumns = `id, subject_id, subject_type, tier, status,
	stripe_customer_id, stripe_subscription_id, stripe_price_id,
	current_period_start, current_period_end, trial_end, cancel_at_period_end,
	created_at, updated_at`

// CheckoutCompletion describes a paid checkout to record.
type CheckoutCompletion struct {
	SubjectID            string
	SubjectType          tiers.SubjectType
	Tier                 tiers.Tier
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	PeriodStart          time.Time
	PeriodEnd            time.Time
}

// SubscriptionChange describes a lifecycle update reported by the provider.
type SubscriptionChange struct {
	StripeSubscriptionID string
	Status               SubscriptionStatus
	CancelAtPeriodEnd    bool
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
}

// ApplyCheckout records an active subscription and replaces the subject's
// entitlement with the purchased plan in one transaction. Replaying the same
// provider subscription updates the existing row.
func (s *Store) ApplyCheckout(ctx context.Context, c CheckoutCompletion) (*Subscription, *Entitlement, error) {
	if c.SubjectID == "" || c.SubjectType == "" {
		return nil, nil, apperrors.Validation("apply_checkout", "userId", "subject is required")
	}
	if !c.Tier.Valid() {
		return nil, nil, apperrors.Validation("apply_checkout", "tier", fmt.Sprintf("unknown tier %q", c.Tier))
	}

	var sub *Subscription
	var ent *Entitlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowUTC()
		var existing *Subscription
		if c.StripeSubscriptionID != "" {
			var err error
			existing, err = s.subscriptionByStripeID(ctx, tx, c.StripeSubscriptionID)
			if err != nil {
				return err
			}
		}

		start, end := c.PeriodStart.UTC(), c.PeriodEnd.UTC()
		if existing == nil {
			sub = &Subscription{
				ID:                   uuid.NewString(),
				SubjectID:            c.SubjectID,
				SubjectType:          c.SubjectType,
				Tier:                 c.Tier,
				Status:               SubscriptionActive,
				StripeCustomerID:     c.StripeCustomerID,
				StripeSubscriptionID: c.StripeSubscriptionID,
				StripePriceID:        c.StripePriceID,
				CurrentPeriodStart:   &start,
				CurrentPeriodEnd:     &end,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				sub.ID, sub.SubjectID, string(sub.SubjectType), string(sub.Tier), string(sub.Status),
				sub.StripeCustomerID, sub.StripeSubscriptionID, sub.StripePriceID,
				nullableMs(sub.CurrentPeriodStart), nullableMs(sub.CurrentPeriodEnd), nil, 0,
				msOf(sub.CreatedAt), msOf(sub.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("insert subscription: %w", err)
			}
		} else {
			sub = existing
			sub.Tier = c.Tier
			sub.Status = SubscriptionActive
			sub.StripeCustomerID = c.StripeCustomerID
			sub.StripePriceID = c.StripePriceID
			sub.CurrentPeriodStart = &start
			sub.CurrentPeriodEnd = &end
			sub.UpdatedAt = now
			if err := s.updateSubscription(ctx, tx, sub); err != nil {
				return err
			}
		}

		var err error
		ent, err = s.applyPlan(ctx, tx, c.SubjectID, c.SubjectType, tiers.PlanFor(c.Tier))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, ent, nil
}

// ApplySubscriptionChange updates a subscription from a provider lifecycle
// event. When the subscription stops entitling its subject, the entitlement
// falls back in the same transaction to the plan of another active
// subscription, else to the plan of the subject's default tier.
func (s *Store) ApplySubscriptionChange(ctx context.Context, c SubscriptionChange) (*Subscription, *Entitlement, error) {
	if c.StripeSubscriptionID == "" {
		return nil, nil, apperrors.Validation("apply_subscription_change", "subscription", "subscription id is required")
	}

	var sub *Subscription
	var ent *Entitlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.subscriptionByStripeID(ctx, tx, c.StripeSubscriptionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return apperrors.NotFound("apply_subscription_change", "subscription")
		}
		sub = existing
		sub.Status = c.Status
		sub.CancelAtPeriodEnd = c.CancelAtPeriodEnd
		if c.PeriodStart != nil {
			sub.CurrentPeriodStart = utcPtr(c.PeriodStart)
		}
		if c.PeriodEnd != nil {
			sub.CurrentPeriodEnd = utcPtr(c.PeriodEnd)
		}
		sub.UpdatedAt = s.nowUTC()
		if err := s.updateSubscription(ctx, tx, sub); err != nil {
			return err
		}

		tier := sub.Tier
		if !sub.Status.Entitled() {
			other, err := s.activeSubscription(ctx, tx, sub.SubjectID, sub.SubjectType)
			if err != nil {
				return err
			}
			if other != nil {
				tier = other.Tier
			} else {
				tier = tiers.DefaultTier(sub.SubjectType)
			}
		}
		ent, err = s.applyPlan(ctx, tx, sub.SubjectID, sub.SubjectType, tiers.PlanFor(tier))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, ent, nil
}

// ActiveSubscription returns the most recently updated active subscription
// for the subject, or nil.
func (s *Store) ActiveSubscription(ctx context.Context, subjectID string, subjectType tiers.SubjectType) (*Subscription, error) {
	return s.activeSubscription(ctx, s.db, subjectID, subjectType)
}

func (s *Store) activeSubscription(ctx context.Context, q querier, subjectID string, subjectType tiers.SubjectType) (*Subscription, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subject_id = ? AND subject_type = ? AND status = ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`),
		subjectID, string(subjectType), string(SubscriptionActive))
	return scanSubscription(row)
}

// LatestSubscription returns the most recently updated subscription in any status.
func (s *Store) LatestSubscription(ctx context.Context, subjectID string, subjectType tiers.SubjectType) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subject_id = ? AND subject_type = ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`),
		subjectID, string(subjectType))
	return scanSubscription(row)
}

// SubscriptionByStripeID looks up a subscription by provider id.
func (s *Store) SubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	return s.subscriptionByStripeID(ctx, s.db, stripeSubscriptionID)
}

func (s *Store) subscriptionByStripeID(ctx context.Context, q querier, stripeSubscriptionID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_subscription_id = ?`
	if _, ok := q.(*sql.Tx); ok {
		query += s.forUpdate()
	}
	return scanSubscription(q.QueryRowContext(ctx, s.q(query), stripeSubscriptionID))
}

func (s *Store) updateSubscription(ctx context.Context, q querier, sub *Subscription) error {
	_, err := q.ExecContext(ctx, s.q(`
		UPDATE subscriptions SET
			tier = ?, status = ?, stripe_customer_id = ?, stripe_price_id = ?,
			current_period_start = ?, current_period_end = ?, trial_end = ?,
			cancel_at_period_end = ?, updated_at = ?
		WHERE id = ?`),
		string(sub.Tier), string(sub.Status), sub.StripeCustomerID, sub.StripePriceID,
		nullableMs(sub.CurrentPeriodStart), nullableMs(sub.CurrentPeriodEnd), nullableMs(sub.TrialEnd),
		boolToInt(sub.CancelAtPeriodEnd), msOf(sub.UpdatedAt),
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var subjectType, tier, status string
	var periodStart, periodEnd, trialEnd sql.NullInt64
	var cancelAtEnd int
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.ID, &sub.SubjectID, &subjectType, &tier, &status,
		&sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&periodStart, &periodEnd, &trialEnd, &cancelAtEnd,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.SubjectType = tiers.SubjectType(subjectType)
	sub.Tier = tiers.Tier(tier)
	sub.Status = SubscriptionStatus(status)
	sub.CurrentPeriodStart = timePtrFromNull(periodStart)
	sub.CurrentPeriodEnd = timePtrFromNull(periodEnd)
	sub.TrialEnd = timePtrFromNull(trialEnd)
	sub.CancelAtPeriodEnd = cancelAtEnd != 0
	sub.CreatedAt = fromMs(createdAt)
	sub.UpdatedAt = fromMs(updatedAt)
	return &sub, nil
}
