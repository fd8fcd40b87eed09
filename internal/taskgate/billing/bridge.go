// Package billing creates Stripe Checkout sessions for tier upgrades and
// applies Stripe webhooks to subscriptions and entitlements.
package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/access"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tgmetrics"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	stripeTimeout = 15 * time.Second
	currency      = "usd"
)

// Store is the subset of the store billing writes and reads.
type Store interface {
	ApplyCheckout(ctx context.Context, c store.CheckoutCompletion) (*store.Subscription, *store.Entitlement, error)
	ApplySubscriptionChange(ctx context.Context, c store.SubscriptionChange) (*store.Subscription, *store.Entitlement, error)
	LatestSubscription(ctx context.Context, subjectID string, subjectType tiers.SubjectType) (*store.Subscription, error)
}

// Config holds the Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

// Bridge creates checkout sessions and reports billing status.
type Bridge struct {
	cfg           Config
	policy        *access.Policy
	store         Store
	createSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewBridge returns a bridge using the Stripe API key in cfg.
func NewBridge(cfg Config, policy *access.Policy, s Store) *Bridge {
	if key := strings.TrimSpace(cfg.SecretKey); key != "" {
		stripe.Key = key
	}
	return &Bridge{
		cfg:           cfg,
		policy:        policy,
		store:         s,
		createSession: stripesession.New,
	}
}

// CheckoutResult is returned to the client for redirection.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CreateCheckoutSession starts a subscription checkout for target. Only
// purchasable tiers ranked strictly above the caller's effective tier are
// accepted.
func (b *Bridge) CreateCheckoutSession(ctx context.Context, p principal.Principal, target tiers.Tier, origin string) (CheckoutResult, error) {
	plan, ok := purchasablePlan(target)
	if !ok {
		tgmetrics.CheckoutSessionsTotal.WithLabelValues(string(target), "invalid").Inc()
		return CheckoutResult{}, apperrors.Validation("create_checkout_session", "tier", "invalid tier specified")
	}
	if strings.TrimSpace(b.cfg.SecretKey) == "" {
		return CheckoutResult{}, apperrors.Configuration("create_checkout_session", "stripe is not configured")
	}

	current, _, err := b.policy.EffectiveTier(ctx, p)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !tiers.Higher(plan.Tier, current) {
		tgmetrics.CheckoutSessionsTotal.WithLabelValues(string(target), "not_upgrade").Inc()
		return CheckoutResult{}, apperrors.Validation("create_checkout_session", "tier",
			fmt.Sprintf("already on %s, which includes %s", current, plan.Tier))
	}

	base := strings.TrimRight(firstNonEmpty(origin, b.cfg.BaseURL), "/")
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(base + "/dashboard?" + url.Values{"success": {"true"}, "tier": {string(plan.Tier)}}.Encode()),
		CancelURL:  stripe.String(base + "/dashboard?canceled=true"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(plan.Name + " Plan"),
					},
					UnitAmount: stripe.Int64(plan.PriceCents),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(plan.Interval),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"userId":   p.SubjectID,
			"userType": string(p.SubjectType),
			"tier":     string(plan.Tier),
			"userName": p.Name,
		},
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}

	ctx, cancel := context.WithTimeout(ctx, stripeTimeout)
	defer cancel()
	params.Context = ctx

	session, err := b.createSession(params)
	if err != nil || session == nil || strings.TrimSpace(session.URL) == "" {
		if err == nil {
			err = fmt.Errorf("checkout session has no url")
		}
		log.Error().Err(err).
			Str("subject", p.SubjectID).
			Str("tier", string(plan.Tier)).
			Msg("Checkout session creation failed")
		tgmetrics.CheckoutSessionsTotal.WithLabelValues(string(plan.Tier), "error").Inc()
		return CheckoutResult{}, apperrors.Upstream("create_checkout_session", err)
	}
	tgmetrics.CheckoutSessionsTotal.WithLabelValues(string(plan.Tier), "created").Inc()
	return CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// SubscriptionView is the subscription summary in a status response.
type SubscriptionView struct {
	ID                string                   `json:"id"`
	Tier              tiers.Tier               `json:"tier"`
	Status            store.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd  *time.Time               `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool                     `json:"cancelAtPeriodEnd"`
}

// Status is the billing overview of a principal.
type Status struct {
	User struct {
		ID       string             `json:"id"`
		Email    string             `json:"email"`
		Name     string             `json:"name"`
		AuthType principal.AuthType `json:"authType"`
	} `json:"user"`
	Subscription   *SubscriptionView `json:"subscription"`
	CurrentTier    tiers.Tier        `json:"currentTier"`
	Entitlements   store.Entitlement `json:"entitlements"`
	AvailablePlans []tiers.Plan      `json:"availablePlans"`
}

// Status reports the principal's effective tier, entitlement and latest
// subscription.
func (b *Bridge) Status(ctx context.Context, p principal.Principal) (Status, error) {
	var st Status
	st.User.ID = p.SubjectID
	st.User.Email = p.Email
	st.User.Name = p.Name
	st.User.AuthType = p.AuthType

	tier, _, err := b.policy.EffectiveTier(ctx, p)
	if err != nil {
		return Status{}, err
	}
	st.CurrentTier = tier

	ent, err := b.policy.Entitlement(ctx, p)
	if err != nil {
		return Status{}, err
	}
	st.Entitlements = ent

	sub, err := b.store.LatestSubscription(ctx, p.SubjectID, p.SubjectType)
	if err != nil {
		return Status{}, fmt.Errorf("load subscription: %w", err)
	}
	if sub != nil {
		st.Subscription = &SubscriptionView{
			ID:                sub.ID,
			Tier:              sub.Tier,
			Status:            sub.Status,
			CurrentPeriodEnd:  sub.CurrentPeriodEnd,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
	}
	st.AvailablePlans = Plans()
	return st, nil
}

// Plans lists the plans offered at checkout.
func Plans() []tiers.Plan {
	return tiers.PurchasablePlans()
}

func purchasablePlan(t tiers.Tier) (tiers.Plan, bool) {
	for _, p := range tiers.PurchasablePlans() {
		if p.Tier == t {
			return p, true
		}
	}
	return tiers.Plan{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
