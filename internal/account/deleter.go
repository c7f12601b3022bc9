package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tally-app/tally/internal/billing"
)

// UserStore is the slice of persistence the deletion flow needs beyond
// the billing service.
type UserStore interface {
	AnonymizeUser(id string) error
}

// ProviderCanceler cancels a subscription with the external payment
// provider. Implementations carry their own timeout.
type ProviderCanceler func(ctx context.Context, providerSubscriptionID string) error

// Deleter retires a user account: the external subscription is canceled
// best-effort, the local subscription is expired, and the user record is
// anonymized. Provider failures are logged and never block the local
// mutations.
type Deleter struct {
	users          UserStore
	billing        *billing.Service
	cancelProvider ProviderCanceler
}

// NewDeleter creates a Deleter. cancelProvider may be nil when no payment
// provider is configured.
func NewDeleter(users UserStore, svc *billing.Service, cancelProvider ProviderCanceler) *Deleter {
	return &Deleter{
		users:          users,
		billing:        svc,
		cancelProvider: cancelProvider,
	}
}

// DeleteAccount removes a user's personal data and retires their
// subscription.
func (d *Deleter) DeleteAccount(ctx context.Context, userID string) error {
	sub, err := d.billing.Subscription(userID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}

	if sub != nil && sub.PaymentProviderID != "" && d.cancelProvider != nil {
		if err := d.cancelProvider(ctx, sub.PaymentProviderID); err != nil {
			// Best-effort: the remote billing system being down must not
			// stop local deletion.
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("payment_provider", sub.PaymentProvider).
				Str("payment_provider_id", sub.PaymentProviderID).
				Msg("Provider cancellation failed, continuing with deletion")
		}
	}

	if sub != nil {
		if err := d.billing.ExpireSubscription(userID); err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return fmt.Errorf("expire subscription: %w", err)
		}
	}

	if err := d.users.AnonymizeUser(userID); err != nil {
		return fmt.Errorf("anonymize user: %w", err)
	}

	log.Info().Str("user_id", userID).Msg("Account deleted")
	return nil
}
