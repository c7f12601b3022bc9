package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tally-app/tally/internal/metrics"
)

// DefaultSweepInterval is how often the expiry sweep runs unless
// configured otherwise.
const DefaultSweepInterval = 1 * time.Hour

// Sweeper periodically converges stored subscription status with elapsed
// deadlines. It is advisory: the entitlement evaluator lapses access on
// its own once a deadline passes, so a missed sweep never grants access.
// Running two sweeps concurrently is a benign no-op because the bulk
// update's target state is absolute and its predicate excludes rows that
// are already expired.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper. A non-positive interval falls back to
// DefaultSweepInterval.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Subscription expiry sweep started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription expiry sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.ProcessExpiredSubscriptions(); err != nil {
				log.Error().Err(err).Msg("Subscription expiry sweep failed")
				metrics.SweepRunsTotal.WithLabelValues("error").Inc()
				continue
			}
			metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
		}
	}
}

// GetExpiredSubscriptions returns the users whose stored state has
// silently lapsed: trials past their end and active or canceled
// subscriptions past their paid period. Already-expired rows and past_due
// rows are never candidates.
func (s *Sweeper) GetExpiredSubscriptions() ([]string, error) {
	now := s.now()

	trials, err := s.store.ListLapsedTrials(now)
	if err != nil {
		return nil, fmt.Errorf("list lapsed trials: %w", err)
	}
	periods, err := s.store.ListLapsedPeriods(now)
	if err != nil {
		return nil, fmt.Errorf("list lapsed periods: %w", err)
	}

	// A row holds exactly one status, so the two sets are disjoint in
	// practice. Dedupe anyway.
	seen := make(map[string]struct{}, len(trials)+len(periods))
	ids := make([]string, 0, len(trials)+len(periods))
	for _, id := range append(trials, periods...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// ProcessExpiredSubscriptions moves every lapsed subscription to expired
// in one bulk update and returns the number of rows changed. A second
// call immediately after the first finds zero candidates.
func (s *Sweeper) ProcessExpiredSubscriptions() (int, error) {
	ids, err := s.GetExpiredSubscriptions()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.store.ExpireSubscriptions(ids)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	if n > 0 {
		metrics.SweepExpiredTotal.Add(float64(n))
		log.Info().Int64("expired", n).Msg("Subscription expiry sweep pass completed")
	}
	return int(n), nil
}
