package service

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
)

func TestValidateKey_CommitsSeed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := newClient(t, "pw")

	res, err := e.users.SignUp(ctx, c.signUpRequest(t, e.app.AppID, "alice"))
	require.NoError(t, err)
	require.True(t, e.store.user(t, res.UserID).SeedNotSavedYet)

	p, err := e.sessions.Authenticate(ctx, res.Session.SessionID, e.app.AppID)
	require.NoError(t, err)

	data, err := e.keys.ValidateKey(ctx, p, c.answer(t, e, res.EncryptedValidationMessage))
	require.NoError(t, err)
	require.Equal(t, model.PaymentsDisabled, data.PaymentsMode)
	require.False(t, e.store.user(t, res.UserID).SeedNotSavedYet)

	// Later validations of a committed seed only compare the message.
	_, err = e.keys.ValidateKey(ctx, p, c.answer(t, e, res.EncryptedValidationMessage))
	require.NoError(t, err)
}

func TestValidateKey_Rejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := newClient(t, "pw")
	res, err := e.users.SignUp(ctx, c.signUpRequest(t, e.app.AppID, "alice"))
	require.NoError(t, err)
	p, err := e.sessions.Authenticate(ctx, res.Session.SessionID, e.app.AppID)
	require.NoError(t, err)
	good := c.answer(t, e, res.EncryptedValidationMessage)

	cases := map[string]string{
		"garbage":     "not base64!",
		"wrong bytes": base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"wrong size":  base64.StdEncoding.EncodeToString([]byte("x")),
	}
	for name, answer := range cases {
		_, err := e.keys.ValidateKey(ctx, p, answer)
		require.ErrorIs(t, err, errs.New(errs.CodeKeyNotValid), name)
		require.Equal(t, "Key not valid", errs.PublicMessage(err), name)
	}

	other := *p
	other.SessionID = strings.Repeat("f", 64)
	_, err = e.keys.ValidateKey(ctx, &other, good)
	require.ErrorIs(t, err, errs.New(errs.CodeKeyNotValid), "message is bound to its session")

	require.True(t, e.store.user(t, res.UserID).SeedNotSavedYet)
}

func TestValidateKey_Window(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := newClient(t, "pw")
	res, err := e.users.SignUp(ctx, c.signUpRequest(t, e.app.AppID, "alice"))
	require.NoError(t, err)
	p, err := e.sessions.Authenticate(ctx, res.Session.SessionID, e.app.AppID)
	require.NoError(t, err)
	answer := c.answer(t, e, res.EncryptedValidationMessage)

	e.clock.Advance(10 * time.Minute)
	_, err = e.keys.ValidateKey(ctx, p, answer)
	require.NoError(t, err, "previous window still accepted")

	e.clock.Advance(20 * time.Minute)
	_, err = e.keys.ValidateKey(ctx, p, answer)
	require.ErrorIs(t, err, errs.New(errs.CodeKeyNotValid))
}

func TestValidateKey_ReplacedUserIsInvalidSeed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := newClient(t, "pw")
	res, err := e.users.SignUp(ctx, first.signUpRequest(t, e.app.AppID, "alice"))
	require.NoError(t, err)
	p, err := e.sessions.Authenticate(ctx, res.Session.SessionID, e.app.AppID)
	require.NoError(t, err)

	// A second sign-up takes over the username while the seed is uncommitted.
	_, err = e.users.SignUp(ctx, newClient(t, "pw2").signUpRequest(t, e.app.AppID, "alice"))
	require.NoError(t, err)

	_, err = e.keys.ValidateKey(ctx, p, first.answer(t, e, res.EncryptedValidationMessage))
	require.ErrorIs(t, err, errs.New(errs.CodeKeyNotValid))
	require.ErrorIs(t, err, errs.New(errs.CodeInvalidSeed))
	require.Equal(t, ReasonInvalidSeed, reasonOf(t, err))
	require.Equal(t, "Key not valid", errs.PublicMessage(err))
}

func tempPasswordFrom(t *testing.T, body string) string {
	t.Helper()
	_, rest, ok := strings.Cut(body, "Temporary password: ")
	require.True(t, ok, body)
	pw, _, _ := strings.Cut(rest, "\n")
	return pw
}

func TestForgotPassword_IssuesTempPassword(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := newClient(t, "forgotten")
	res, _ := e.signUp(t, c, "Alice")

	ch, err := e.keys.GenerateForgotPasswordToken(ctx, e.app.AppID.String(), "ALICE")
	require.NoError(t, err)
	require.Equal(t, res.UserID, ch.User.UserID)

	require.NoError(t, e.keys.ForgotPassword(ctx, e.app.AppID.String(), "alice", c.answer(t, e, ch.Encrypted)))
	require.Len(t, e.mail.sent, 1)
	require.Equal(t, "Alice@example.com", e.mail.sent[0].To)

	temp := tempPasswordFrom(t, e.mail.sent[0].Body)
	in, err := e.users.SignIn(ctx, "10.0.0.1", e.app.AppID.String(), "alice", c.token(t, temp))
	require.NoError(t, err)
	require.True(t, in.UsedTempPassword)
}

func TestForgotPassword_Rejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := newClient(t, "pw")
	e.signUp(t, c, "alice")

	err := e.keys.ForgotPassword(ctx, e.app.AppID.String(), "alice", base64.StdEncoding.EncodeToString(make([]byte, 16)))
	require.ErrorIs(t, err, errs.New(errs.CodeForgotPasswordNotValid))
	require.Empty(t, e.mail.sent)

	_, err = e.keys.GenerateForgotPasswordToken(ctx, e.app.AppID.String(), "nobody")
	require.ErrorIs(t, err, errs.New(errs.CodeUserNotFound))

	_, err = e.keys.GenerateForgotPasswordToken(ctx, "not-a-uuid", "alice")
	require.ErrorIs(t, err, errs.New(errs.CodeAppIDNotValid))
}

func TestForgotPassword_NeedsEmail(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := newClient(t, "pw")
	req := c.signUpRequest(t, e.app.AppID, "bob")
	req.Email = ""
	_, err := e.users.SignUp(ctx, req)
	require.NoError(t, err)

	ch, err := e.keys.GenerateForgotPasswordToken(ctx, e.app.AppID.String(), "bob")
	require.NoError(t, err)
	err = e.keys.ForgotPassword(ctx, e.app.AppID.String(), "bob", c.answer(t, e, ch.Encrypted))
	require.ErrorIs(t, err, errs.New(errs.CodeUserMissingEmail))
}
