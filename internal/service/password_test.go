package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/e2ee-identity/internal/crypto"
	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
)

func (e *testEnv) check(t *testing.T, c *client, res *SignUpResult, password string) (bool, error) {
	t.Helper()
	u := e.store.user(t, res.UserID)
	used, err := e.passwords.CheckPassword(context.Background(), u, c.token(t, password))
	e.settle()
	return used, err
}

func TestCheckPassword_LockoutAfterLimit(t *testing.T) {
	e := newEnv(t)
	c := newClient(t, "right")
	res, _ := e.signUp(t, c, "alice")

	for i := 0; i < 25; i++ {
		_, err := e.check(t, c, res, "wrong")
		require.ErrorIs(t, err, errs.New(errs.CodeIncorrectPassword), "attempt %d", i+1)
	}
	require.Equal(t, 25, e.store.user(t, res.UserID).IncorrectPasswordAttemptsInRow)

	// The 26th attempt fails even with the right password and starts the suspension.
	_, err := e.check(t, c, res, "right")
	require.Equal(t, errs.KindLockout, errs.KindOf(err))
	var le *errs.Error
	require.True(t, errors.As(err, &le))
	require.Equal(t, 24*time.Hour, le.RetryAfter)
	require.NotNil(t, e.store.user(t, res.UserID).SuspendedAt)

	e.clock.Advance(23 * time.Hour)
	_, err = e.check(t, c, res, "right")
	require.Equal(t, errs.KindLockout, errs.KindOf(err))

	e.clock.Advance(time.Hour)
	_, err = e.check(t, c, res, "right")
	require.NoError(t, err)
	u := e.store.user(t, res.UserID)
	require.Nil(t, u.SuspendedAt)
	require.Zero(t, u.IncorrectPasswordAttemptsInRow)
}

func TestCheckPassword_SuccessResetsCounter(t *testing.T) {
	e := newEnv(t)
	c := newClient(t, "right")
	res, _ := e.signUp(t, c, "alice")

	for i := 0; i < 3; i++ {
		_, _ = e.check(t, c, res, "wrong")
	}
	_, err := e.check(t, c, res, "right")
	require.NoError(t, err)
	require.Zero(t, e.store.user(t, res.UserID).IncorrectPasswordAttemptsInRow)
}

func TestCheckPassword_SuspensionServedStartsClean(t *testing.T) {
	e := newEnv(t)
	c := newClient(t, "right")
	res, _ := e.signUp(t, c, "alice")

	at := e.clock.Now().Add(-25 * time.Hour)
	e.store.mu.Lock()
	u := e.store.byID(res.UserID)
	u.SuspendedAt = &at
	u.IncorrectPasswordAttemptsInRow = 25
	e.store.mu.Unlock()

	_, err := e.check(t, c, res, "wrong")
	require.ErrorIs(t, err, errs.New(errs.CodeIncorrectPassword))
	u = e.store.user(t, res.UserID)
	require.Nil(t, u.SuspendedAt)
	require.Equal(t, 1, u.IncorrectPasswordAttemptsInRow)
}

func TestCheckPassword_TempPassword(t *testing.T) {
	e := newEnv(t)
	c := newClient(t, "right")
	res, _ := e.signUp(t, c, "alice")

	hash, err := crypto.HashToken(c.token(t, "temp"))
	require.NoError(t, err)
	require.NoError(t, e.store.SetTempPassword(context.Background(), res.UserID, hash, e.clock.Now()))

	used, err := e.check(t, c, res, "temp")
	require.NoError(t, err)
	require.True(t, used)

	used, err = e.check(t, c, res, "right")
	require.NoError(t, err)
	require.False(t, used, "regular password still works")

	e.clock.Advance(24*time.Hour + time.Second)
	_, err = e.check(t, c, res, "temp")
	require.ErrorIs(t, err, errs.New(errs.CodeTempPasswordExpired))

	_, err = e.check(t, c, res, "neither")
	require.ErrorIs(t, err, errs.New(errs.CodeIncorrectPassword))
	require.Equal(t, 2, e.store.user(t, res.UserID).IncorrectPasswordAttemptsInRow)
}

func TestCheckPassword_BookkeepingFailureIsLoggedOnly(t *testing.T) {
	e := newEnv(t)
	c := newClient(t, "right")
	res, _ := e.signUp(t, c, "alice")
	e.store.fail["IncrementIncorrectAttempts"] = errors.New("db down")

	_, err := e.check(t, c, res, "wrong")
	require.ErrorIs(t, err, errs.New(errs.CodeIncorrectPassword))
	require.Equal(t, 1, e.logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("background task failed").Len())
}

func TestCheckPassword_ServedSuspensionResetFailureDoesNotFailCheck(t *testing.T) {
	e := newEnv(t)
	c := newClient(t, "right")
	res, _ := e.signUp(t, c, "alice")

	at := e.clock.Now().Add(-25 * time.Hour)
	e.store.mu.Lock()
	u := e.store.byID(res.UserID)
	u.SuspendedAt = &at
	u.IncorrectPasswordAttemptsInRow = 25
	e.store.mu.Unlock()
	e.store.fail["AllowRetry"] = errors.New("db down")

	used, err := e.check(t, c, res, "right")
	require.NoError(t, err)
	require.False(t, used)
	require.Equal(t, 1, e.logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("password retry reset failed").Len())

	_, err = e.check(t, c, res, "wrong")
	require.ErrorIs(t, err, errs.New(errs.CodeIncorrectPassword))
}

func TestCheckPassword_MissingToken(t *testing.T) {
	e := newEnv(t)
	_, err := e.passwords.CheckPassword(context.Background(), &model.User{}, "")
	require.ErrorIs(t, err, errs.New(errs.CodePasswordTokenMissing))
}
