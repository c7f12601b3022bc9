package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tally-app/tally/internal/billing"
	"github.com/tally-app/tally/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// ProviderName identifies Stripe in stored payment provider references.
const ProviderName = "stripe"

// WebhookHandler translates incoming Stripe webhook events into
// subscription lifecycle commands. Stripe delivers events at least once;
// the commands' absolute-target-state design makes redelivery safe.
type WebhookHandler struct {
	secret  string
	billing *billing.Service
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, svc *billing.Service) *WebhookHandler {
	return &WebhookHandler{
		secret:  secret,
		billing: svc,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
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
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(&event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(event *stripelib.Event) error {
	switch event.Type {
	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionUpdated(sub)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionDeleted(sub)

	case "invoice.payment_failed":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.handlePaymentFailed(inv)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *WebhookHandler) handleSubscriptionUpdated(sub Subscription) error {
	userID := sub.UserID()
	if userID == "" {
		log.Warn().Str("subscription_id", sub.ID).Msg("subscription.updated: missing user_id metadata")
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sub.Status)) {
	case "active":
		start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		if _, err := h.billing.ActivateSubscription(userID, start, end); err != nil {
			return fmt.Errorf("activate subscription for %s: %w", userID, err)
		}
		if err := h.billing.AttachPaymentProvider(userID, ProviderName, strings.TrimSpace(sub.ID)); err != nil {
			return fmt.Errorf("attach provider refs for %s: %w", userID, err)
		}
		return nil

	case "past_due", "unpaid":
		return h.markPastDue(userID)

	case "canceled":
		return h.cancel(userID)

	default:
		log.Info().
			Str("user_id", userID).
			Str("provider_status", sub.Status).
			Msg("subscription.updated ignored (unmapped provider status)")
		return nil
	}
}

func (h *WebhookHandler) handleSubscriptionDeleted(sub Subscription) error {
	userID := sub.UserID()
	if userID == "" {
		log.Warn().Str("subscription_id", sub.ID).Msg("subscription.deleted: missing user_id metadata")
		return nil
	}
	return h.cancel(userID)
}

func (h *WebhookHandler) handlePaymentFailed(inv Invoice) error {
	userID := inv.UserID()
	if userID == "" {
		log.Warn().Str("customer_id", inv.Customer).Msg("invoice.payment_failed: missing user_id metadata")
		return nil
	}
	return h.markPastDue(userID)
}

func (h *WebhookHandler) markPastDue(userID string) error {
	err := h.billing.MarkSubscriptionPastDue(userID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		log.Warn().Str("user_id", userID).Msg("payment failure for unknown subscription")
		return nil
	}
	return err
}

func (h *WebhookHandler) cancel(userID string) error {
	err := h.billing.CancelSubscription(userID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		log.Warn().Str("user_id", userID).Msg("cancellation for unknown subscription")
		return nil
	}
	return err
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// UserID returns the Tally user the subscription belongs to. Checkout
// sessions stamp it into the subscription metadata.
func (s *Subscription) UserID() string {
	return strings.TrimSpace(s.Metadata["user_id"])
}

// Invoice is a minimal representation of a Stripe invoice event.
type Invoice struct {
	ID                  string `json:"id"`
	Customer            string `json:"customer"`
	Subscription        string `json:"subscription"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// UserID returns the Tally user the invoice belongs to.
func (i *Invoice) UserID() string {
	return strings.TrimSpace(i.SubscriptionDetails.Metadata["user_id"])
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("stripe: encode webhook response")
	}
}
