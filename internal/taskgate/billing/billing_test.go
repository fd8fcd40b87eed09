package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/access"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func checkoutEvent(userID, userType, tier, subID string) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"mode": "subscription",
			"customer": "cus_1",
			"subscription": %q,
			"metadata": {"userId": %q, "userType": %q, "tier": %q, "userName": "Ada"}
		}}
	}`, subID, userID, userType, tier)
}

func subscriptionEvent(eventType, subID, status string, periodEnd int64) string {
	return fmt.Sprintf(`{
		"id": "evt_2",
		"object": "event",
		"type": %q,
		"data": {"object": {
			"id": %q,
			"object": "subscription",
			"customer": "cus_1",
			"status": %q,
			"cancel_at_period_end": false,
			"items": {"data": [{"current_period_start": 1767225600, "current_period_end": %d}]}
		}}
	}`, eventType, subID, status, periodEnd)
}

func TestWebhook_ValidCheckoutAppliesPlan(t *testing.T) {
	s := newTestStore(t)
	h := NewWebhookHandler(testWebhookSecret, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("signup-1", "demo", "basic", "sub_1")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	ctx := context.Background()
	sub, err := s.ActiveSubscription(ctx, "signup-1", tiers.SubjectTemporary)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, tiers.TierBasic, sub.Tier)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.InDelta(t, checkoutPeriod.Hours(), sub.CurrentPeriodEnd.Sub(*sub.CurrentPeriodStart).Hours(), 0.01)

	ent, err := s.GetEntitlement(ctx, "signup-1", tiers.SubjectTemporary)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, 50, ent.MaxTasks)
	assert.True(t, ent.Flags.SlackIntegration)
}

func TestWebhook_TamperedPayloadChangesNothing(t *testing.T) {
	s := newTestStore(t)
	h := NewWebhookHandler(testWebhookSecret, s)

	signed := signedWebhookRequest(t, testWebhookSecret, checkoutEvent("signup-1", "demo", "basic", "sub_1"))
	tampered := checkoutEvent("signup-1", "demo", "premium", "sub_1")
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(tampered)))
	req.Header.Set("Stripe-Signature", signed.Header.Get("Stripe-Signature"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctx := context.Background()
	sub, err := s.LatestSubscription(ctx, "signup-1", tiers.SubjectTemporary)
	require.NoError(t, err)
	assert.Nil(t, sub)
	ent, err := s.GetEntitlement(ctx, "signup-1", tiers.SubjectTemporary)
	require.NoError(t, err)
	assert.Nil(t, ent)
}

func TestWebhook_RejectsWrongSecretAndMissingHeader(t *testing.T) {
	s := newTestStore(t)
	h := NewWebhookHandler(testWebhookSecret, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, "whsec_other", checkoutEvent("signup-1", "demo", "basic", "sub_1")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(`{}`)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing Stripe signature")
}

func TestWebhook_UnconfiguredSecret(t *testing.T) {
	h := NewWebhookHandler("", newTestStore(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("s", "demo", "basic", "sub_1")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	h := NewWebhookHandler(testWebhookSecret, newTestStore(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_CheckoutMissingMetadataIsAcknowledged(t *testing.T) {
	s := newTestStore(t)
	h := NewWebhookHandler(testWebhookSecret, s)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("", "demo", "basic", "sub_1")))
	assert.Equal(t, http.StatusOK, rec.Code)

	sub, err := s.SubscriptionByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestWebhook_SubscriptionDeletedFallsBack(t *testing.T) {
	s := newTestStore(t)
	h := NewWebhookHandler(testWebhookSecret, s)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("user-9", "platform", "basic", "sub_9")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, subscriptionEvent("customer.subscription.deleted", "sub_9", "active", 1769904000)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sub, err := s.SubscriptionByStripeID(ctx, "sub_9")
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionCanceled, sub.Status)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), *sub.CurrentPeriodEnd)

	// Platform subjects fall back to premium.
	ent, err := s.GetEntitlement(ctx, "user-9", tiers.SubjectPlatform)
	require.NoError(t, err)
	assert.Equal(t, tiers.Unlimited, ent.MaxTasks)
}

func TestWebhook_SubscriptionUpdatedUnknownIsAcknowledged(t *testing.T) {
	h := NewWebhookHandler(testWebhookSecret, newTestStore(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, subscriptionEvent("customer.subscription.updated", "sub_x", "past_due", 0)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMapSubscriptionStatus(t *testing.T) {
	cases := map[string]store.SubscriptionStatus{
		"active":             store.SubscriptionActive,
		"past_due":           store.SubscriptionActive,
		"trialing":           store.SubscriptionTrial,
		"canceled":           store.SubscriptionCanceled,
		"incomplete_expired": store.SubscriptionExpired,
		"something_new":      store.SubscriptionExpired,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapSubscriptionStatus(in), in)
	}
}

func newTestBridge(t *testing.T, s *store.Store) (*Bridge, *[]*stripe.CheckoutSessionParams) {
	t.Helper()
	b := NewBridge(Config{SecretKey: "sk_test_123", BaseURL: "https://app.example.test"}, access.NewPolicy(s), s)
	var calls []*stripe.CheckoutSessionParams
	b.createSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		calls = append(calls, params)
		return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
	}
	return b, &calls
}

var freeUser = principal.Principal{
	SubjectID:   "signup-1",
	SubjectType: tiers.SubjectTemporary,
	Tier:        tiers.TierFree,
	Email:       "ada@example.test",
	Name:        "Ada",
	AuthType:    principal.AuthDemo,
}

func TestCreateCheckoutSession_Upgrade(t *testing.T) {
	s := newTestStore(t)
	b, calls := newTestBridge(t, s)

	res, err := b.CreateCheckoutSession(context.Background(), freeUser, tiers.TierBasic, "")
	require.NoError(t, err)
	assert.Equal(t, "cs_test", res.SessionID)
	require.Len(t, *calls, 1)

	params := (*calls)[0]
	assert.Equal(t, "subscription", *params.Mode)
	assert.Equal(t, "https://app.example.test/dashboard?success=true&tier=basic", *params.SuccessURL)
	assert.Equal(t, int64(1999), *params.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "signup-1", params.Metadata["userId"])
	assert.Equal(t, "temporary", params.Metadata["userType"])
	assert.Equal(t, "basic", params.Metadata["tier"])
	assert.Equal(t, "ada@example.test", *params.CustomerEmail)
}

func TestCreateCheckoutSession_RejectsSameOrLowerTier(t *testing.T) {
	s := newTestStore(t)
	b, calls := newTestBridge(t, s)
	ctx := context.Background()

	_, _, err := s.ApplyCheckout(ctx, store.CheckoutCompletion{
		SubjectID: "signup-1", SubjectType: tiers.SubjectTemporary, Tier: tiers.TierPremium,
		StripeSubscriptionID: "sub_1", PeriodStart: time.Now(), PeriodEnd: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	for _, target := range []tiers.Tier{tiers.TierBasic, tiers.TierPremium} {
		_, err := b.CreateCheckoutSession(ctx, freeUser, target, "")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
	}

	beta := freeUser
	beta.SubjectID = "signup-2"
	beta.Tier = tiers.TierBeta
	_, err = b.CreateCheckoutSession(ctx, beta, tiers.TierPremium, "")
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	assert.Empty(t, *calls)
}

func TestCreateCheckoutSession_InvalidTarget(t *testing.T) {
	b, _ := newTestBridge(t, newTestStore(t))
	for _, target := range []tiers.Tier{"gold", tiers.TierFree, tiers.TierBeta} {
		_, err := b.CreateCheckoutSession(context.Background(), freeUser, target, "")
		assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err), target)
	}
}

func TestCreateCheckoutSession_StripeFailureIsUpstream(t *testing.T) {
	b, _ := newTestBridge(t, newTestStore(t))
	b.createSession = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("stripe unavailable")
	}
	_, err := b.CreateCheckoutSession(context.Background(), freeUser, tiers.TierPremium, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUpstream))
	assert.True(t, apperrors.IsRetryableError(err))
}

func TestCreateCheckoutSession_Unconfigured(t *testing.T) {
	s := newTestStore(t)
	b := NewBridge(Config{}, access.NewPolicy(s), s)
	_, err := b.CreateCheckoutSession(context.Background(), freeUser, tiers.TierBasic, "")
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.TypeOf(err))
}

func TestStatus(t *testing.T) {
	s := newTestStore(t)
	b, _ := newTestBridge(t, s)
	ctx := context.Background()

	st, err := b.Status(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, tiers.TierFree, st.CurrentTier)
	assert.Nil(t, st.Subscription)
	assert.Equal(t, 10, st.Entitlements.MaxTasks)
	assert.Len(t, st.AvailablePlans, 2)

	_, _, err = s.ApplyCheckout(ctx, store.CheckoutCompletion{
		SubjectID: "signup-1", SubjectType: tiers.SubjectTemporary, Tier: tiers.TierBasic,
		StripeSubscriptionID: "sub_1", PeriodStart: time.Now(), PeriodEnd: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	st, err = b.Status(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, tiers.TierBasic, st.CurrentTier)
	require.NotNil(t, st.Subscription)
	assert.Equal(t, store.SubscriptionActive, st.Subscription.Status)
	assert.Equal(t, 50, st.Entitlements.MaxTasks)

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"currentTier":"basic"`)
}
