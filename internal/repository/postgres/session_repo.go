package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `session_id, auth_token, user_id, app_id, creation_time, extended_time, invalidated, expires_at`

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

// Create inserts a session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	const q = `
INSERT INTO sessions (session_id, auth_token, user_id, app_id, creation_time, invalidated, expires_at)
VALUES ($1, $2, $3, $4, $5, false, $6)`
	_, err := r.db.Pool.Exec(ctx, q, s.SessionID, s.AuthToken, nullUUID(s.UserID), s.AppID, s.CreationTime, s.ExpiresAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get selects a session by id.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id=$1`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// GetByAuthToken selects through the auth_token index and rejects duplicates.
func (r *SessionRepo) GetByAuthToken(ctx context.Context, authToken string) (*model.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE auth_token=$1 LIMIT 2`
	rows, err := r.db.Pool.Query(ctx, q, authToken)
	if err != nil {
		return nil, fmt.Errorf("get session by auth token: %w", err)
	}
	defer rows.Close()

	var found *model.Session
	for rows.Next() {
		if found != nil {
			return nil, fmt.Errorf("auth token shared by sessions: %w", errs.ErrIntegrity)
		}
		if found, err = scanSession(rows); err != nil {
			return nil, fmt.Errorf("get session by auth token: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get session by auth token: %w", err)
	}
	if found == nil {
		return nil, errs.ErrNotFound
	}
	return found, nil
}

// Extend refreshes extended_time and expires_at and returns the updated row.
func (r *SessionRepo) Extend(ctx context.Context, sessionID string, extendedTime, expiresAt time.Time) (*model.Session, error) {
	q := `UPDATE sessions SET extended_time=$2, expires_at=$3 WHERE session_id=$1 RETURNING ` + sessionColumns
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, sessionID, extendedTime, expiresAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}
	return s, nil
}

// Invalidate sets invalidated=true.
func (r *SessionRepo) Invalidate(ctx context.Context, sessionID string) error {
	const q = `UPDATE sessions SET invalidated=true WHERE session_id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeleteExpired removes sessions past their store TTL.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM sessions WHERE expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s      model.Session
		userID *uuid.UUID
	)
	if err := row.Scan(&s.SessionID, &s.AuthToken, &userID, &s.AppID,
		&s.CreationTime, &s.ExtendedTime, &s.Invalidated, &s.ExpiresAt); err != nil {
		return nil, err
	}
	if userID != nil {
		s.UserID = *userID
	}
	return &s, nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
