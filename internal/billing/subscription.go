package billing

import (
	"errors"
	"time"
)

const (
	// TrialDuration is the length of the no-payment trial window granted
	// to a new user.
	TrialDuration = 14 * 24 * time.Hour

	// MonthlyPriceMinorUnits is the advertised monthly price in minor
	// currency units. Informational only; amounts charged are owned by
	// the payment provider.
	MonthlyPriceMinorUnits = 500
)

var (
	// ErrSubscriptionExists is returned when a trial is requested for a
	// user who already has a subscription row.
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrSubscriptionNotFound is returned by commands that require an
	// existing subscription row.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Subscription is the stored billing record for a user. At most one row
// exists per user; the absence of a row is equivalent to an expired
// subscription with no access.
type Subscription struct {
	UserID             string     `json:"user_id"`
	Status             Status     `json:"status"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	PaymentProvider    string     `json:"payment_provider,omitempty"`
	PaymentProviderID  string     `json:"payment_provider_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Store is the persistence surface the billing core depends on.
// Implemented by internal/store.Store. Get returns (nil, nil) when no row
// exists for the user.
type Store interface {
	GetSubscription(userID string) (*Subscription, error)
	CreateSubscription(sub *Subscription) error
	UpdateSubscription(sub *Subscription) error
	UpsertSubscription(sub *Subscription) error
	ListLapsedTrials(cutoff time.Time) ([]string, error)
	ListLapsedPeriods(cutoff time.Time) ([]string, error)
	ExpireSubscriptions(userIDs []string) (int64, error)
}
