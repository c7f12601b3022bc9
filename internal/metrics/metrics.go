package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByStatus tracks the number of subscriptions in each
	// lifecycle status, refreshed by the expiry sweep.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "subscriptions_by_status",
		Help:      "Number of subscriptions by lifecycle status.",
	}, []string{"status"})

	// EntitlementChecksTotal counts entitlement evaluations by stored
	// status and outcome.
	EntitlementChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "entitlement_checks_total",
		Help:      "Total entitlement evaluations by status and access outcome.",
	}, []string{"status", "allowed"})

	// UnknownStatusTotal counts evaluations that hit a status value outside
	// the closed set. Any increment indicates a programming error: a new
	// status was introduced without updating the access table.
	UnknownStatusTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "unknown_status_total",
		Help:      "Entitlement evaluations that denied access due to an unknown status.",
	})

	// SweepExpiredTotal counts subscriptions moved to expired by the sweep.
	SweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "sweep_expired_total",
		Help:      "Total subscriptions transitioned to expired by the sweep.",
	})

	// SweepRunsTotal counts sweep passes by outcome.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "billing",
		Name:      "sweep_runs_total",
		Help:      "Total expiry sweep passes by outcome.",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts payment provider webhook requests by
	// event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total payment provider webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tally",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Payment provider webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})
)
