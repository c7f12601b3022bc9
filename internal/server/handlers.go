package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tally-app/tally/internal/auth"
	"github.com/tally-app/tally/internal/billing"
	tallystripe "github.com/tally-app/tally/internal/stripe"
	"github.com/tally-app/tally/internal/store"
)

const requestBodyLimit = 64 * 1024 // 64 KiB

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	encodeJSON(w, map[string]string{"status": "ok"})
}

func handleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := st.Ping(); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		encodeJSON(w, map[string]string{"status": "ready"})
	}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type sessionResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// handleRegister creates the user and starts their trial in one step:
// every new signup gets the trial window.
func handleRegister(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		email := strings.ToLower(strings.TrimSpace(req.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid email address")
			return
		}

		existing, err := deps.Store.GetUserByEmail(email)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if existing != nil {
			writeJSONError(w, http.StatusConflict, "email already registered")
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		user := &store.User{
			ID:           store.NewUserID(),
			Email:        email,
			DisplayName:  strings.TrimSpace(req.DisplayName),
			PasswordHash: hash,
		}
		if err := deps.Store.CreateUser(user); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if _, err := deps.Billing.CreateTrialSubscription(user.ID); err != nil {
			// The account exists; a missing trial row just means no access
			// until the user subscribes.
			log.Error().Err(err).Str("user_id", user.ID).Msg("Trial creation at signup failed")
		}

		token, err := auth.SignSessionToken([]byte(deps.Config.SessionSecret), user.ID, user.Email, auth.DefaultSessionTTL, time.Now().UTC())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		encodeJSON(w, sessionResponse{Token: token, UserID: user.ID})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func handleLogin(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		email := strings.ToLower(strings.TrimSpace(req.Email))
		user, err := deps.Store.GetUserByEmail(email)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if user == nil || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		if err := deps.Store.TouchLastLogin(user.ID); err != nil {
			log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to record login time")
		}

		token, err := auth.SignSessionToken([]byte(deps.Config.SessionSecret), user.ID, user.Email, auth.DefaultSessionTTL, time.Now().UTC())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		encodeJSON(w, sessionResponse{Token: token, UserID: user.ID})
	}
}

func handleSubscriptionState(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := deps.Billing.GetSubscriptionState(userIDFrom(r.Context()))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		encodeJSON(w, state)
	}
}

func handleStartTrial(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFrom(r.Context())
		sub, err := deps.Billing.CreateTrialSubscription(userID)
		if errors.Is(err, billing.ErrSubscriptionExists) {
			writeJSONError(w, http.StatusConflict, "subscription already exists")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		encodeJSON(w, sub)
	}
}

func handleCancelSubscription(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFrom(r.Context())

		sub, err := deps.Billing.Subscription(userID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if sub == nil {
			writeJSONError(w, http.StatusNotFound, "no subscription")
			return
		}

		// Best-effort provider-side cancellation; the local record is the
		// source of truth for access.
		if sub.PaymentProviderID != "" && deps.Config.StripeAPIKey != "" {
			if err := tallystripe.CancelProviderSubscription(r.Context(), sub.PaymentProviderID); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("Provider cancellation failed")
			}
		}

		if err := deps.Billing.CancelSubscription(userID); err != nil {
			if errors.Is(err, billing.ErrSubscriptionNotFound) {
				writeJSONError(w, http.StatusNotFound, "no subscription")
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		state, err := deps.Billing.GetSubscriptionState(userID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		encodeJSON(w, state)
	}
}

func handleDeleteAccount(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFrom(r.Context())
		if err := deps.Deleter.DeleteAccount(r.Context(), userID); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type meResponse struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func handleMe(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := deps.Store.GetUser(userIDFrom(r.Context()))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if user == nil {
			writeJSONError(w, http.StatusNotFound, "user not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		encodeJSON(w, meResponse{
			UserID:      user.ID,
			Email:       user.Email,
			DisplayName: user.DisplayName,
			LastLoginAt: user.LastLoginAt,
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func encodeJSON(w http.ResponseWriter, payload any) {
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("server: encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encodeJSON(w, map[string]string{"error": msg})
}
