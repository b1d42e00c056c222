package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the part of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config tunes the sliding window.
type Config struct {
	Window   time.Duration // failures older than this restart the count
	MaxFails int
	BlockFor time.Duration
}

// PG is a PostgreSQL-backed limiter with a sliding window and lockout.
type PG struct {
	q   Querier
	cfg Config
	now func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter over the auth_limiter table.
func NewPG(q Querier, cfg Config) *PG {
	return &PG{q: q, cfg: cfg, now: time.Now}
}

// Allow reports whether an attempt is allowed and the remaining block duration.
func (l *PG) Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE scope=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.q.QueryRow(ctx, q, scope, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if left := blockedUntil.Sub(l.now()); left > 0 {
			return false, left, nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, fmt.Errorf("limiter allow: %w", err)
	}
}

// Success resets counters for (scope, ip).
func (l *PG) Success(ctx context.Context, scope string, ipHash []byte) error {
	const q = `DELETE FROM auth_limiter WHERE scope=$1 AND ip_hash=$2`
	if _, err := l.q.Exec(ctx, q, scope, ipHash); err != nil {
		return fmt.Errorf("limiter success: %w", err)
	}
	return nil
}

// Failure records a failed attempt and blocks once MaxFails is reached within Window.
func (l *PG) Failure(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (scope, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', $3)
ON CONFLICT (scope, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - auth_limiter.updated_at > $4::interval THEN 1 ELSE auth_limiter.fail_count + 1 END,
  updated_at = EXCLUDED.updated_at
RETURNING fail_count`
	now := l.now()
	var fails int
	if err := l.q.QueryRow(ctx, q, scope, ipHash, now, l.cfg.Window).Scan(&fails); err != nil {
		return false, 0, fmt.Errorf("limiter failure: %w", err)
	}
	if fails < l.cfg.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until=$3 WHERE scope=$1 AND ip_hash=$2`
	if _, err := l.q.Exec(ctx, upd, scope, ipHash, now.Add(l.cfg.BlockFor)); err != nil {
		return false, 0, fmt.Errorf("limiter block: %w", err)
	}
	return true, l.cfg.BlockFor, nil
}
