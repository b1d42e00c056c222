// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/gofrs/uuid/v5"
)

// UserRepository stores user records keyed by (app, username) with a unique userId.
// Every mutation is a single conditional write; a failed precondition returns
// errs.ErrVersionConflict, errs.ErrAlreadyExists or errs.ErrNotFound.
type UserRepository interface {
	// SignUp inserts u, overwriting an existing record for the same (app, username)
	// only while that record still has SeedNotSavedYet. Otherwise errs.ErrAlreadyExists.
	SignUp(ctx context.Context, u *model.User) error
	// GetByUsername loads a user by its store key.
	GetByUsername(ctx context.Context, appID uuid.UUID, username string) (*model.User, error)
	// GetByID loads a user through the userId index. More than one match is errs.ErrIntegrity.
	GetByID(ctx context.Context, userID uuid.UUID) (*model.User, error)

	// Update applies upd to the user if it still exists with userID under appID.
	// A rename that collides with an existing username is errs.ErrAlreadyExists.
	Update(ctx context.Context, appID, userID uuid.UUID, upd model.UserUpdate) error
	// UpdateProtectedProfile replaces the protected profile; nil removes it.
	UpdateProtectedProfile(ctx context.Context, userID uuid.UUID, profile model.Profile) error
	// ClearSeedNotSavedYet commits the seed: only when the flag is still set and
	// userID and publicKey are unchanged.
	ClearSeedNotSavedYet(ctx context.Context, appID uuid.UUID, username string, userID uuid.UUID, publicKey string) error

	// IncrementIncorrectAttempts bumps the incorrect password counter.
	IncrementIncorrectAttempts(ctx context.Context, userID uuid.UUID) error
	// Suspend sets suspendedAt unless already set.
	Suspend(ctx context.Context, userID uuid.UUID, at time.Time) error
	// AllowRetry clears suspendedAt and the attempt counter.
	AllowRetry(ctx context.Context, userID uuid.UUID) error
	// SetTempPassword stores a temp password hash and its creation time.
	SetTempPassword(ctx context.Context, userID uuid.UUID, hash string, createdAt time.Time) error

	// SoftDelete moves the user to the deleted set and invalidates its sessions atomically.
	SoftDelete(ctx context.Context, userID uuid.UUID, at time.Time) error
	// GetDeleted loads a soft-deleted snapshot.
	GetDeleted(ctx context.Context, userID uuid.UUID) (*model.DeletedUser, error)
	// ListDeletedBefore returns up to limit soft-deleted user ids older than before.
	ListDeletedBefore(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	// PurgeDeleted hard-deletes a soft-deleted snapshot.
	PurgeDeleted(ctx context.Context, userID uuid.UUID) error
}

// SubscriptionRepository writes per-environment billing state on the user record.
type SubscriptionRepository interface {
	// ApplyEvent stores sub for env only if the stored event timestamp is absent or
	// strictly older than sub.EventTimestamp. Returns false for a stale event.
	ApplyEvent(ctx context.Context, appID, userID uuid.UUID, env model.Environment, sub model.Subscription) (bool, error)
	// SetCustomerID records the provider customer for env if none is stored yet.
	SetCustomerID(ctx context.Context, userID uuid.UUID, env model.Environment, customerID string) error
	// SetCancelAt sets (or with nil removes) cancelAt, conditioned on subscriptionID.
	SetCancelAt(ctx context.Context, userID uuid.UUID, env model.Environment, subscriptionID string, cancelAt *int64) error
}
