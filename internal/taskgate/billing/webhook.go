package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tgmetrics"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB
	checkoutPeriod   = 30 * 24 * time.Hour
)

// WebhookHandler verifies and applies Stripe webhook events.
type WebhookHandler struct {
	secret string
	store  Store
	now    func() time.Time
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, s Store) *WebhookHandler {
	return &WebhookHandler{
		secret: secret,
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ServeHTTP verifies the Stripe signature on the raw body before decoding
// anything and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		tgmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		tgmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Stripe webhook signature rejected")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r.Context(), &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckout(ctx, session)

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		if event.Type == "customer.subscription.deleted" {
			sub.Status = "canceled"
		}
		return h.handleSubscriptionChange(ctx, sub)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *WebhookHandler) handleCheckout(ctx context.Context, session CheckoutSession) error {
	userID := strings.TrimSpace(session.Metadata["userId"])
	tier := tiers.Tier(strings.TrimSpace(session.Metadata["tier"]))
	if userID == "" || tier == "" {
		log.Warn().Str("session_id", session.ID).Msg("Checkout session missing metadata; ignored")
		return nil
	}
	subjectType, ok := tiers.ParseSubjectType(session.Metadata["userType"])
	if !ok {
		subjectType = tiers.SubjectTemporary
	}

	now := h.now()
	sub, _, err := h.store.ApplyCheckout(ctx, store.CheckoutCompletion{
		SubjectID:            userID,
		SubjectType:          subjectType,
		Tier:                 tier,
		StripeCustomerID:     session.Customer,
		StripeSubscriptionID: session.Subscription,
		PeriodStart:          now,
		PeriodEnd:            now.Add(checkoutPeriod),
	})
	if err != nil {
		if apperrors.TypeOf(err) == apperrors.ErrorTypeValidation {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("Checkout session rejected; ignored")
			return nil
		}
		return err
	}
	log.Info().
		Str("subject", userID).
		Str("tier", string(tier)).
		Str("subscription", sub.ID).
		Msg("Subscription activated from checkout")
	return nil
}

func (h *WebhookHandler) handleSubscriptionChange(ctx context.Context, sub Subscription) error {
	if strings.TrimSpace(sub.ID) == "" {
		return fmt.Errorf("subscription event missing id")
	}
	start, end := sub.Period()
	updated, ent, err := h.store.ApplySubscriptionChange(ctx, store.SubscriptionChange{
		StripeSubscriptionID: sub.ID,
		Status:               MapSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		PeriodStart:          start,
		PeriodEnd:            end,
	})
	if err != nil {
		if apperrors.TypeOf(err) == apperrors.ErrorTypeNotFound {
			log.Info().Str("subscription", sub.ID).Msg("Subscription event for unknown subscription; ignored")
			return nil
		}
		return err
	}
	log.Info().
		Str("subscription", sub.ID).
		Str("status", string(updated.Status)).
		Int("max_tasks", ent.MaxTasks).
		Msg("Subscription updated")
	return nil
}

// MapSubscriptionStatus converts a Stripe status to the stored status.
// Unknown statuses fail closed.
func MapSubscriptionStatus(status string) store.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "past_due":
		return store.SubscriptionActive
	case "trialing":
		return store.SubscriptionTrial
	case "canceled":
		return store.SubscriptionCanceled
	default:
		return store.SubscriptionExpired
	}
}

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription event.
// Newer API versions carry the billing period on the items only.
type Subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// Period returns the billing period, preferring the top-level fields.
func (s *Subscription) Period() (start, end *time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if startUnix == 0 && endUnix == 0 && len(s.Items.Data) > 0 {
		startUnix, endUnix = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixPtr(startUnix), unixPtr(endUnix)
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
