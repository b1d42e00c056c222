package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/crypto"
	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/mail"
	"github.com/and161185/e2ee-identity/internal/model"
)

const (
	ReasonInvalidSeed = "invalidSeed"
	tempPasswordBytes = 24
)

// ForgotPasswordChallenge is issued to a user who claims to hold the seed.
// Only Encrypted leaves the server.
type ForgotPasswordChallenge struct {
	Encrypted string
	Token     []byte
	User      *model.User
	App       *model.App
	Admin     *model.Admin
}

// KeyPossessionValidator proves a client holds the private key matching the
// public key the server stores, without the server ever seeing the seed.
type KeyPossessionValidator interface {
	// IssueValidationMessage encrypts a fresh validation message to the user, bound to sessionID.
	IssueValidationMessage(user *model.User, sessionID string) (string, error)
	// ValidateKey checks the decrypted validation message and commits the seed on first success.
	ValidateKey(ctx context.Context, p *model.Principal, clientProvidedMessage string) (model.StripeData, error)
	GenerateForgotPasswordToken(ctx context.Context, appID, username string) (*ForgotPasswordChallenge, error)
	// ForgotPassword checks the decrypted token and mails a temporary password.
	ForgotPassword(ctx context.Context, appID, username, clientProvidedToken string) error
}

type KeyPossessionValidatorImpl struct {
	d    *Deps
	subs SubscriptionReconciler
}

func NewKeyPossessionValidator(d *Deps, subs SubscriptionReconciler) *KeyPossessionValidatorImpl {
	return &KeyPossessionValidatorImpl{d: d, subs: subs}
}

func (v *KeyPossessionValidatorImpl) seal(user *model.User, msg []byte) (string, error) {
	key, err := v.d.ServerKey.SharedKey(user.PublicKey)
	if err != nil {
		return "", v.d.upstream("derive shared key", err, zap.String("user_id", user.UserID.String()))
	}
	sealed, err := crypto.Encrypt(key, msg)
	if err != nil {
		return "", v.d.upstream("encrypt challenge", err)
	}
	return sealed, nil
}

func (v *KeyPossessionValidatorImpl) IssueValidationMessage(user *model.User, sessionID string) (string, error) {
	msg := v.d.Challenger.Derive(crypto.PurposeValidateKey, user.UserID.String(), sessionID, v.d.now())
	return v.seal(user, msg)
}

// matches compares the client's base64 answer against every live candidate.
func matches(candidates [][]byte, clientProvided string) bool {
	got, err := base64.StdEncoding.DecodeString(clientProvided)
	if err != nil || len(got) != crypto.ChallengeLen {
		return false
	}
	ok := false
	for _, c := range candidates {
		if crypto.Equal(c, got) {
			ok = true
		}
	}
	return ok
}

// errKeyNotValid covers every failure of ValidateKey; the cause stays internal.
func errKeyNotValid(reason string, cause error) error {
	return &errs.Error{
		Kind:    errs.KindAuthorization,
		Code:    errs.CodeKeyNotValid,
		Message: "Key not valid",
		Reason:  reason,
		Err:     cause,
	}
}

func (v *KeyPossessionValidatorImpl) ValidateKey(
	ctx context.Context, p *model.Principal, clientProvidedMessage string,
) (model.StripeData, error) {
	user := p.User
	candidates := v.d.Challenger.Candidates(crypto.PurposeValidateKey, user.UserID.String(), p.SessionID, v.d.now())
	if !matches(candidates, clientProvidedMessage) {
		v.d.log().Debug("validation message mismatch", zap.String("user_id", user.UserID.String()))
		return model.StripeData{}, errKeyNotValid("mismatch", nil)
	}

	if user.SeedNotSavedYet {
		err := v.d.Users.ClearSeedNotSavedYet(ctx, user.AppID, user.Username, user.UserID, user.PublicKey)
		switch {
		case errors.Is(err, errs.ErrVersionConflict), errors.Is(err, errs.ErrNotFound):
			v.d.log().Warn("seed commit rejected", zap.String("user_id", user.UserID.String()), zap.Error(err))
			return model.StripeData{}, errKeyNotValid(ReasonInvalidSeed, errs.New(errs.CodeInvalidSeed))
		case err != nil:
			return model.StripeData{}, v.d.upstream("clear seed not saved yet", err)
		}
		user.SeedNotSavedYet = false
	}
	return v.subs.StripeData(user, p.App), nil
}

func (v *KeyPossessionValidatorImpl) GenerateForgotPasswordToken(
	ctx context.Context, appID, username string,
) (*ForgotPasswordChallenge, error) {
	app, admin, err := v.d.resolveAppString(ctx, appID)
	if err != nil {
		return nil, err
	}
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	user, err := v.d.loadUserByName(ctx, app.AppID, name)
	if err != nil {
		return nil, err
	}

	token := v.d.Challenger.Derive(crypto.PurposeForgotPassword, user.UserID.String(), app.AppID.String(), v.d.now())
	sealed, err := v.seal(user, token)
	if err != nil {
		return nil, err
	}
	return &ForgotPasswordChallenge{Encrypted: sealed, Token: token, User: user, App: app, Admin: admin}, nil
}

func (v *KeyPossessionValidatorImpl) ForgotPassword(ctx context.Context, appID, username, clientProvidedToken string) error {
	app, _, err := v.d.resolveAppString(ctx, appID)
	if err != nil {
		return err
	}
	name, err := NormalizeUsername(username)
	if err != nil {
		return err
	}
	user, err := v.d.loadUserByName(ctx, app.AppID, name)
	if err != nil {
		return err
	}

	candidates := v.d.Challenger.Candidates(crypto.PurposeForgotPassword, user.UserID.String(), app.AppID.String(), v.d.now())
	if !matches(candidates, clientProvidedToken) {
		return errs.Unauthorized(errs.CodeForgotPasswordNotValid, "Forgot password token not valid")
	}
	if user.Email == "" {
		return errs.Validation(errs.CodeUserMissingEmail, "User does not have an email on file")
	}

	tempPassword, err := crypto.RandomBase64(tempPasswordBytes)
	if err != nil {
		return v.d.upstream("generate temp password", err)
	}
	token, err := crypto.DerivePasswordToken(tempPassword, user.PasswordSalts.PasswordSalt, user.PasswordSalts.PasswordTokenSalt)
	if err != nil {
		return v.d.upstream("derive temp password token", err)
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		return v.d.upstream("hash temp password token", err)
	}
	if err := v.d.Users.SetTempPassword(ctx, user.UserID, hash, v.d.now()); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.Unauthorized(errs.CodeUserNotFound, "User not found")
		}
		return v.d.upstream("set temp password", err)
	}

	mctx, cancel := v.d.withTimeout(ctx)
	defer cancel()
	msg := mail.Message{
		To:      user.Email,
		Subject: fmt.Sprintf("Forgot password - %s", app.Name),
		Body: fmt.Sprintf("Someone requested a temporary password for %q in %s.\n\n"+
			"Temporary password: %s\n\n"+
			"It can be used once to sign in within %s. Ignore this message if you did not ask for it.\n",
			user.Username, app.Name, tempPassword, v.d.Settings.TempPasswordTTL),
	}
	if err := v.d.Mail.Send(mctx, msg); err != nil {
		return v.d.upstream("send temp password", err, zap.String("user_id", user.UserID.String()))
	}
	v.d.log().Info("temp password issued", zap.String("user_id", user.UserID.String()))
	return nil
}
