package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tally-app/tally/internal/billing"
	"github.com/tally-app/tally/internal/metrics"
	"github.com/tally-app/tally/internal/store"
)

const gaugeRefreshInterval = 60 * time.Second

// runSubscriptionGauges refreshes the subscriptions-by-status gauge until
// ctx is cancelled.
func runSubscriptionGauges(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	refresh := func() {
		counts, err := st.CountSubscriptionsByStatus()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to refresh subscription gauges")
			return
		}
		for _, status := range billing.AllStatuses {
			metrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
