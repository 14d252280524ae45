// Package domain contains core domain types for the compliance wizard.
package domain

import (
	"time"
)

// User is an anonymous per-device identity that owns wizard sessions.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Plan       string    `json:"plan"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
