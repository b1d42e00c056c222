package repository

import (
	"context"
	"time"

	"github.com/and161185/e2ee-identity/internal/model"
)

// SessionRepository stores sessions keyed by session id, indexed by auth token.
type SessionRepository interface {
	// Create inserts a new session.
	Create(ctx context.Context, s *model.Session) error
	// Get loads a session by id.
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	// GetByAuthToken loads a session through the auth token index.
	// More than one match is errs.ErrIntegrity.
	GetByAuthToken(ctx context.Context, authToken string) (*model.Session, error)
	// Extend sets extendedTime and pushes the store TTL to expiresAt.
	Extend(ctx context.Context, sessionID string, extendedTime, expiresAt time.Time) (*model.Session, error)
	// Invalidate marks the session invalidated. Repeating it is not an error.
	Invalidate(ctx context.Context, sessionID string) error
	// DeleteExpired removes sessions whose store TTL passed and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
