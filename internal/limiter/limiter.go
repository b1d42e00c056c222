// Package limiter throttles unauthenticated credential endpoints per client address.
// It sits in front of the per-user lockout kept on the user record and never replaces it.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter controls attempts per (scope, client) and temporary blocks.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and the remaining block otherwise.
	Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, scope string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Noop allows everything. Used when throttling is disabled.
type Noop struct{}

func (Noop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Noop) Success(context.Context, string, []byte) error { return nil }
func (Noop) Failure(context.Context, string, []byte) (bool, time.Duration, error) { return false, 0, nil }
