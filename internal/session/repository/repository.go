package repository

import (
	"context"

	"trade-machine/backend/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	// GetByID returns the session or nil when it does not exist or cannot be decoded.
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// Create stores a new session for userID and returns it with a fresh ID.
	Create(ctx context.Context, userID string) (*domain.Session, error)
	// Save rewrites the session and renews its TTL.
	Save(ctx context.Context, s *domain.Session) error
	Revoke(ctx context.Context, id string) error
	// RevokeAllSessionsByUser deletes every session owned by userID and returns how many were removed.
	RevokeAllSessionsByUser(ctx context.Context, userID string) (int, error)
}
