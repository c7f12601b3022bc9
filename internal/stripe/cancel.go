package stripe

import (
	"context"
	"fmt"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// providerCallTimeout bounds outbound Stripe calls so they can never
// stall a local state mutation.
const providerCallTimeout = 10 * time.Second

// CancelProviderSubscription cancels a subscription on Stripe's side.
// Callers treat failures as best-effort: local lifecycle state must never
// depend on the provider being reachable.
func CancelProviderSubscription(ctx context.Context, providerSubscriptionID string) error {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := stripesub.Cancel(providerSubscriptionID, params); err != nil {
		return fmt.Errorf("cancel stripe subscription %s: %w", providerSubscriptionID, err)
	}
	return nil
}
