// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/veridia/aicomply/internal/domain"
)

// Repository defines the interface for persisting users and wizard sessions.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when
	// no user exists.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession initializes a brand-new active wizard session for an
	// owner, optionally scoped to an existing AI system record.
	CreateSession(ctx context.Context, ownerID, systemID string) (*domain.Session, error)

	// GetSession retrieves a session by id. Returns nil, nil when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// GetMostRecentActive returns the owner's most recently active
	// session with status=active, scoped to systemID when non-empty.
	// Returns nil, nil when the owner has no active session.
	GetMostRecentActive(ctx context.Context, ownerID, systemID string) (*domain.Session, error)

	// SaveSession upserts the full session record, including serialized
	// message history, and bumps last_activity_at.
	SaveSession(ctx context.Context, session *domain.Session) error

	// AbandonStale flips active sessions idle past the TTL to abandoned
	// and returns the number of sessions affected.
	AbandonStale(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
