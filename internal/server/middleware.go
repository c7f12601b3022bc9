package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tally-app/tally/internal/auth"
	"github.com/tally-app/tally/internal/billing"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// userIDFrom returns the authenticated user ID stored on the request
// context by requireSession.
func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// requireSession authenticates the request via a Bearer session token and
// stores the user ID on the request context.
func requireSession(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := auth.VerifySessionToken(secret, token, time.Now().UTC())
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid session token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSubscription rejects requests from users whose subscription does
// not grant app access right now. Must run after requireSession. The
// evaluation is per-request; nothing is cached, so access lapses the
// moment a deadline passes even if the sweep has not run yet.
func RequireSubscription(svc *billing.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFrom(r.Context())
		if userID == "" {
			writeJSONError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		state, err := svc.GetSubscriptionState(userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Entitlement check failed")
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !state.CanAccessApp {
			writeJSONError(w, http.StatusForbidden, "subscription required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
