package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tally-app/tally/internal/account"
	"github.com/tally-app/tally/internal/billing"
	"github.com/tally-app/tally/internal/config"
	"github.com/tally-app/tally/internal/store"
	tallystripe "github.com/tally-app/tally/internal/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Billing *billing.Service
	Deleter *account.Deleter
	Version string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	secret := []byte(deps.Config.SessionSecret)
	authed := func(next http.Handler) http.Handler {
		return requireSession(secret, next)
	}
	gated := func(next http.Handler) http.Handler {
		return authed(RequireSubscription(deps.Billing, next))
	}

	// Liveness and readiness probes are unauthenticated.
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(deps.Store))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Payment provider callbacks (signature-verified, no session).
	mux.Handle("POST /api/webhooks/stripe",
		tallystripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Billing))

	// Account lifecycle.
	mux.Handle("POST /api/auth/register", handleRegister(deps))
	mux.Handle("POST /api/auth/login", handleLogin(deps))
	mux.Handle("DELETE /api/account", authed(handleDeleteAccount(deps)))

	// Subscription surface stays reachable regardless of entitlement so
	// lapsed users can see their state and re-subscribe.
	mux.Handle("GET /api/subscription", authed(handleSubscriptionState(deps)))
	mux.Handle("POST /api/subscription/trial", authed(handleStartTrial(deps)))
	mux.Handle("POST /api/subscription/cancel", authed(handleCancelSubscription(deps)))

	// Paid product surface.
	mux.Handle("GET /api/me", gated(handleMe(deps)))
}
