package billing

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tally-app/tally/internal/metrics"
)

// Service owns every legal mutation of a subscription's lifecycle state.
// Each command writes an absolute target state rather than incrementing
// anything, which keeps at-least-once webhook delivery and concurrent
// sweep runs safe without locking.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a Service backed by the given store.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateTrialSubscription starts the trial window for a user with no
// existing subscription. An existing row of any status is a precondition
// violation: a repeat call must never reset a trial or paid clock.
func (s *Service) CreateTrialSubscription(userID string) (*Subscription, error) {
	existing, err := s.store.GetSubscription(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	if existing != nil {
		return nil, ErrSubscriptionExists
	}

	endsAt := s.now().Add(TrialDuration)
	sub := &Subscription{
		UserID:      userID,
		Status:      StatusTrialing,
		TrialEndsAt: &endsAt,
	}
	if err := s.store.CreateSubscription(sub); err != nil {
		return nil, fmt.Errorf("create trial subscription: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Time("trial_ends_at", endsAt).
		Msg("Trial subscription created")
	return sub, nil
}

// ActivateSubscription upserts an active subscription covering the given
// paid period. It is the single entry point for first payment, for
// payment-retry recovery from past_due, and for re-subscription after
// expiry; any prior cancellation mark is cleared.
func (s *Service) ActivateSubscription(userID string, periodStart, periodEnd time.Time) (*Subscription, error) {
	existing, err := s.store.GetSubscription(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}

	sub := existing
	if sub == nil {
		sub = &Subscription{UserID: userID}
	}
	start := periodStart
	end := periodEnd
	sub.Status = StatusActive
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	sub.CanceledAt = nil

	if err := s.store.UpsertSubscription(sub); err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Time("period_start", start).
		Time("period_end", end).
		Msg("Subscription activated")
	return sub, nil
}

// MarkSubscriptionPastDue records a failed payment. Period and trial
// timestamps are left untouched; past_due access does not depend on them.
func (s *Service) MarkSubscriptionPastDue(userID string) error {
	sub, err := s.store.GetSubscription(userID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	sub.Status = StatusPastDue
	if err := s.store.UpdateSubscription(sub); err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}

	log.Warn().Str("user_id", userID).Msg("Subscription marked past due")
	return nil
}

// CancelSubscription records a user- or provider-initiated cancellation.
// CurrentPeriodEnd is left untouched so access continues through the
// already-paid period. Canceling twice is a no-op; CanceledAt is set
// exactly once.
func (s *Service) CancelSubscription(userID string) error {
	sub, err := s.store.GetSubscription(userID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	if sub.Status == StatusCanceled {
		return nil
	}

	canceledAt := s.now()
	sub.Status = StatusCanceled
	sub.CanceledAt = &canceledAt
	if err := s.store.UpdateSubscription(sub); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	log.Info().Str("user_id", userID).Time("canceled_at", canceledAt).Msg("Subscription canceled")
	return nil
}

// ExpireSubscription moves a subscription to the terminal expired state.
// Expiring an already-expired row is a no-op.
func (s *Service) ExpireSubscription(userID string) error {
	sub, err := s.store.GetSubscription(userID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	if sub.Status == StatusExpired {
		return nil
	}

	sub.Status = StatusExpired
	if err := s.store.UpdateSubscription(sub); err != nil {
		return fmt.Errorf("expire subscription: %w", err)
	}

	log.Info().Str("user_id", userID).Msg("Subscription expired")
	return nil
}

// AttachPaymentProvider records the external provider references on an
// existing subscription. This is a bookkeeping write, not a lifecycle
// transition; the references are opaque here and are used only to route
// external cancellation calls.
func (s *Service) AttachPaymentProvider(userID, provider, providerID string) error {
	sub, err := s.store.GetSubscription(userID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	sub.PaymentProvider = provider
	sub.PaymentProviderID = providerID
	if err := s.store.UpdateSubscription(sub); err != nil {
		return fmt.Errorf("attach payment provider: %w", err)
	}
	return nil
}

// Subscription returns the stored subscription row for a user, or nil
// when none exists.
func (s *Service) Subscription(userID string) (*Subscription, error) {
	sub, err := s.store.GetSubscription(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}
	return sub, nil
}

// State is the point-in-time entitlement decision for a user.
type State struct {
	Status           Status     `json:"status"`
	IsActive         bool       `json:"is_active"`
	CanAccessApp     bool       `json:"can_access_app"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	DaysRemaining    *int       `json:"days_remaining,omitempty"`
}

// GetSubscriptionState evaluates a user's entitlement against the current
// wall clock. The result is never cached: a row's time-bound validity can
// lapse between sweeps, so every call re-evaluates. Deadlines use strict
// less-than; a deadline equal to the current instant counts as lapsed.
func (s *Service) GetSubscriptionState(userID string) (State, error) {
	sub, err := s.store.GetSubscription(userID)
	if err != nil {
		return State{}, fmt.Errorf("lookup subscription: %w", err)
	}

	// No row is the implicit expired state: no access, nothing remaining.
	if sub == nil {
		st := State{Status: StatusExpired}
		metrics.EntitlementChecksTotal.WithLabelValues(string(StatusExpired), "false").Inc()
		return st, nil
	}

	now := s.now()
	st := State{
		Status:           sub.Status,
		TrialEndsAt:      sub.TrialEndsAt,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}

	switch sub.Status {
	case StatusTrialing:
		if sub.TrialEndsAt != nil && now.Before(*sub.TrialEndsAt) {
			st.IsActive = true
			st.CanAccessApp = true
			st.DaysRemaining = daysRemaining(now, *sub.TrialEndsAt)
		}
	case StatusActive:
		if sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd) {
			st.IsActive = true
			st.CanAccessApp = true
			st.DaysRemaining = daysRemaining(now, *sub.CurrentPeriodEnd)
		}
	case StatusPastDue:
		// Grace period while the provider retries billing. Access is
		// unconditional; the payment is unconfirmed so the subscription
		// does not count as active.
		st.CanAccessApp = true
	case StatusCanceled:
		// The user keeps access through what they already paid for.
		st.CanAccessApp = sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd)
	case StatusExpired:
		// Terminal: no access.
	default:
		// Fail closed. Reaching this branch means a status value was
		// introduced without updating the access table.
		log.Error().
			Str("user_id", userID).
			Str("status", string(sub.Status)).
			Msg("Unknown subscription status, denying access")
		metrics.UnknownStatusTotal.Inc()
	}

	metrics.EntitlementChecksTotal.WithLabelValues(string(sub.Status), strconv.FormatBool(st.CanAccessApp)).Inc()
	return st, nil
}

// HasActiveSubscription reports whether the user has a live trial or an
// unlapsed paid period. Unlike State.CanAccessApp it does not count grace
// access: past_due and canceled subscriptions return false, since those
// states carry no confirmed entitlement.
func (s *Service) HasActiveSubscription(userID string) (bool, error) {
	sub, err := s.store.GetSubscription(userID)
	if err != nil {
		return false, fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	now := s.now()
	switch sub.Status {
	case StatusTrialing:
		return sub.TrialEndsAt != nil && now.Before(*sub.TrialEndsAt), nil
	case StatusActive:
		return sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd), nil
	default:
		return false, nil
	}
}

// daysRemaining rounds the remaining interval to the nearest whole day,
// half rounding up. Exactly one day remaining reports 1; a day and a half
// reports 2.
func daysRemaining(now, deadline time.Time) *int {
	d := int(math.Round(deadline.Sub(now).Hours() / 24))
	return &d
}
