package store

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account holder.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// NewUserID returns a fresh opaque user identifier.
func NewUserID() string {
	return "u_" + uuid.NewString()
}
