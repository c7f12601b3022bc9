package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionTokenIssuer is the JWT issuer for API session tokens.
	SessionTokenIssuer = "tally-api"

	// DefaultSessionTTL bounds how long a session token stays valid.
	DefaultSessionTTL = 24 * time.Hour
)

var (
	ErrSessionSecretMissing = errors.New("session secret is required")
	ErrSessionTokenInvalid  = errors.New("session token is invalid")
)

// SessionClaims are carried by API session tokens.
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SignSessionToken issues a signed session token for a user.
func SignSessionToken(secret []byte, userID, email string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrSessionSecretMissing
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := SessionClaims{
		Email: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    SessionTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// VerifySessionToken validates a session token and returns its claims.
func VerifySessionToken(secret []byte, token string, now time.Time) (*SessionClaims, error) {
	if len(secret) == 0 {
		return nil, ErrSessionSecretMissing
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrSessionTokenInvalid
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(SessionTokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionTokenInvalid, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrSessionTokenInvalid
	}
	return claims, nil
}
