package service

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/crypto"
	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
)

// PasswordAuthenticator checks password tokens and enforces the attempt lockout.
type PasswordAuthenticator interface {
	// CheckPassword accepts the regular or a live temporary password token.
	// usedTemp reports that the temporary one matched.
	CheckPassword(ctx context.Context, user *model.User, passwordToken string) (usedTemp bool, err error)
}

type PasswordAuthenticatorImpl struct {
	d *Deps
}

func NewPasswordAuthenticator(d *Deps) *PasswordAuthenticatorImpl {
	return &PasswordAuthenticatorImpl{d: d}
}

// CheckPassword runs the lockout state machine:
//
//	normal     -> suspended  once attempts reach the limit (the triggering check fails)
//	suspended  -> normal     on the first check after the suspension elapsed
//
// Counter and suspension writes happen in the background; the answer does not wait on them.
// Only the reset that ends a served suspension is written inline, and its failure is logged.
func (a *PasswordAuthenticatorImpl) CheckPassword(ctx context.Context, user *model.User, passwordToken string) (bool, error) {
	if passwordToken == "" {
		return false, errs.Validation(errs.CodePasswordTokenMissing, "Password token missing")
	}
	now := a.d.now()
	st := a.d.Settings
	dirty := user.IncorrectPasswordAttemptsInRow > 0

	switch {
	case user.SuspendedAt != nil && now.Sub(*user.SuspendedAt) < st.SuspensionDuration:
		return false, errs.Lockout(st.SuspensionDuration)
	case user.SuspendedAt != nil:
		// Suspension served: the counter is cleared before this attempt is counted.
		if err := a.d.Users.AllowRetry(ctx, user.UserID); err != nil {
			a.d.log().Warn("password retry reset failed", zap.String("user_id", user.UserID.String()), zap.Error(err))
		}
		dirty = false
	case user.IncorrectPasswordAttemptsInRow >= st.PasswordAttemptLimit:
		a.suspend(ctx, user.UserID)
		return false, errs.Lockout(st.SuspensionDuration)
	}

	if crypto.VerifyToken(passwordToken, user.PasswordTokenHash) {
		if dirty {
			a.allowRetry(ctx, user.UserID)
		}
		return false, nil
	}

	if user.TempPasswordTokenHash != "" && user.TempPasswordCreationTime != nil {
		expired := now.After(user.TempPasswordCreationTime.Add(st.TempPasswordTTL))
		if crypto.VerifyToken(passwordToken, user.TempPasswordTokenHash) {
			if !expired {
				if dirty {
					a.allowRetry(ctx, user.UserID)
				}
				return true, nil
			}
			a.increment(ctx, user.UserID)
			return false, errs.Unauthorized(errs.CodeTempPasswordExpired, "Temporary password expired")
		}
	}

	a.increment(ctx, user.UserID)
	return false, errs.Unauthorized(errs.CodeIncorrectPassword, "Incorrect password")
}

func (a *PasswordAuthenticatorImpl) increment(ctx context.Context, userID uuid.UUID) {
	a.d.Tasks.Go(ctx, "increment incorrect password attempts", func(ctx context.Context) error {
		return a.d.Users.IncrementIncorrectAttempts(ctx, userID)
	})
}

func (a *PasswordAuthenticatorImpl) suspend(ctx context.Context, userID uuid.UUID) {
	at := a.d.now()
	a.d.log().Info("suspending password attempts", zap.String("user_id", userID.String()))
	a.d.Tasks.Go(ctx, "suspend password attempts", func(ctx context.Context) error {
		err := a.d.Users.Suspend(ctx, userID, at)
		if errors.Is(err, errs.ErrVersionConflict) {
			// a concurrent check already suspended the user
			return nil
		}
		return err
	})
}

func (a *PasswordAuthenticatorImpl) allowRetry(ctx context.Context, userID uuid.UUID) {
	a.d.Tasks.Go(ctx, "allow password retry", func(ctx context.Context) error {
		return a.d.Users.AllowRetry(ctx, userID)
	})
}
