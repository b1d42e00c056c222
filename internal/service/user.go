package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/crypto"
	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/limiter"
	"github.com/and161185/e2ee-identity/internal/model"
)

type SignUpRequest struct {
	AppID               string
	Username            string
	PasswordToken       string
	PasswordSalts       model.PasswordSalts
	PublicKey           string
	KeySalts            model.KeySalts
	PasswordBasedBackup *model.PasswordBasedBackup
	Email               string
	Profile             model.Profile
}

type SignUpResult struct {
	UserID                     uuid.UUID
	Session                    model.SessionTokens
	EncryptedValidationMessage string
}

type SignInResult struct {
	User                       *model.User
	Session                    model.SessionTokens
	UsedTempPassword           bool
	EncryptedValidationMessage string
	StripeData                 model.StripeData
}

type ExtendResult struct {
	User         *model.User
	AuthToken    string
	ExtendedTime time.Time
	// BackUpKey asks the client to upload a password-based backup of its seed.
	BackUpKey  bool
	StripeData model.StripeData
}

// UpdateUserRequest carries optional changes; nil fields are left alone.
type UpdateUserRequest struct {
	Username             *string
	CurrentPasswordToken string
	PasswordToken        *string
	PasswordSalts        *model.PasswordSalts
	PasswordBasedBackup  *model.PasswordBasedBackup
	Email                *string
	Profile              model.Profile
	ClearProfile         bool
}

// UserService is the set of operations exposed to end-user clients and admins.
type UserService interface {
	SignUp(ctx context.Context, req SignUpRequest) (*SignUpResult, error)
	// SignIn checks credentials under the per-address throttle of ip.
	SignIn(ctx context.Context, ip, appID, username, passwordToken string) (*SignInResult, error)
	// ForgotPassword runs the key-possession check for a temp password under the same throttle.
	ForgotPassword(ctx context.Context, ip, appID, username, forgotPasswordToken string) error
	SignOut(ctx context.Context, sessionID string) error
	ExtendSession(ctx context.Context, p *model.Principal) (*ExtendResult, error)
	GetPasswordSalts(ctx context.Context, appID, username string) (model.PasswordSalts, error)
	UpdateUser(ctx context.Context, p *model.Principal, req UpdateUserRequest) error
	DeleteUser(ctx context.Context, p *model.Principal) error

	// Admin operations. The admin must own the user's app.
	AdminDeleteUser(ctx context.Context, adminID, userID uuid.UUID) error
	UpdateProtectedProfile(ctx context.Context, adminID, userID uuid.UUID, profile model.Profile) error

	// PermanentDelete archives and removes a soft-deleted user.
	PermanentDelete(ctx context.Context, userID uuid.UUID) error
}

type UserServiceImpl struct {
	d         *Deps
	sessions  SessionManager
	passwords PasswordAuthenticator
	keys      KeyPossessionValidator
	subs      SubscriptionReconciler
}

func NewUserService(
	d *Deps, sessions SessionManager, passwords PasswordAuthenticator, keys KeyPossessionValidator, subs SubscriptionReconciler,
) *UserServiceImpl {
	return &UserServiceImpl{d: d, sessions: sessions, passwords: passwords, keys: keys, subs: subs}
}

func (s *UserServiceImpl) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResult, error) {
	app, _, err := s.d.resolveAppString(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	username, err := NormalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	if req.PasswordToken == "" {
		return nil, errs.Validation(errs.CodePasswordTokenMissing, "Password token missing")
	}
	if req.PublicKey == "" {
		return nil, errs.Validation(errs.CodePublicKeyMissing, "Public key missing")
	}
	if !crypto.ValidPublicKey(req.PublicKey) {
		return nil, errs.Validation(errs.CodePublicKeyMissing, "Public key not valid")
	}
	if err := checkSalts(req.PasswordSalts, req.KeySalts, req.PasswordBasedBackup); err != nil {
		return nil, err
	}
	if req.Email != "" {
		if err := ValidateEmail(req.Email); err != nil {
			return nil, err
		}
	}
	if req.Profile != nil {
		if err := ValidateProfile(req.Profile); err != nil {
			return nil, err
		}
	}

	hash, err := crypto.HashToken(req.PasswordToken)
	if err != nil {
		return nil, s.d.upstream("hash password token", err)
	}
	user := &model.User{
		UserID:              uuid.Must(uuid.NewV4()),
		Username:            username,
		AppID:               app.AppID,
		PasswordTokenHash:   hash,
		PasswordSalts:       req.PasswordSalts,
		PublicKey:           req.PublicKey,
		KeySalts:            req.KeySalts,
		PasswordBasedBackup: req.PasswordBasedBackup,
		SeedNotSavedYet:     true,
		CreationTime:        s.d.now(),
		Email:               req.Email,
		Profile:             req.Profile,
	}
	if err := s.d.Users.SignUp(ctx, user); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, errs.Conflict(errs.CodeUsernameAlreadyExists, "Username already exists")
		}
		return nil, s.d.upstream("sign up", err)
	}
	s.d.log().Info("user signed up", zap.String("user_id", user.UserID.String()), zap.String("app_id", app.AppID.String()))

	tokens, err := s.sessions.CreateSession(ctx, user.UserID, app.AppID)
	if err != nil {
		return nil, err
	}
	msg, err := s.keys.IssueValidationMessage(user, tokens.SessionID)
	if err != nil {
		return nil, err
	}
	return &SignUpResult{UserID: user.UserID, Session: tokens, EncryptedValidationMessage: msg}, nil
}

func checkSalts(ps model.PasswordSalts, ks model.KeySalts, backup *model.PasswordBasedBackup) error {
	if ps.PasswordSalt == "" || ps.PasswordTokenSalt == "" ||
		ks.EncryptionKeySalt == "" || ks.DHKeySalt == "" || ks.HMACKeySalt == "" {
		return errs.Validation(errs.CodeSaltsMissing, "Salts missing")
	}
	if backup != nil && (backup.PasswordBasedEncryptionKeySalt == "" || backup.PasswordEncryptedSeed == "") {
		return errs.Validation(errs.CodeSaltsMissing, "Password based backup incomplete")
	}
	return nil
}

// Throttle scopes.
const (
	scopeSignIn         = "signin"
	scopeForgotPassword = "forgot-password"
)

// throttled runs fn under the address limiter the way a login is throttled:
// authorization failures count, success resets, a block answers before fn runs.
func (s *UserServiceImpl) throttled(ctx context.Context, scope, ip string, fn func() error) error {
	lim := s.d.Limiter
	if lim == nil {
		return fn()
	}
	ipHash := limiter.HashIP(ip)
	allowed, wait, err := lim.Allow(ctx, scope, ipHash)
	if err != nil {
		return s.d.upstream("limiter allow", err)
	}
	if !allowed {
		return errs.RateLimited(wait)
	}

	err = fn()
	switch {
	case err == nil:
		if serr := lim.Success(ctx, scope, ipHash); serr != nil {
			s.d.log().Warn("limiter reset failed", zap.String("scope", scope), zap.Error(serr))
		}
	case errs.KindOf(err) == errs.KindAuthorization:
		if blocked, wait, ferr := lim.Failure(ctx, scope, ipHash); ferr != nil {
			s.d.log().Warn("limiter failure not recorded", zap.String("scope", scope), zap.Error(ferr))
		} else if blocked {
			s.d.log().Info("client throttled", zap.String("scope", scope), zap.Duration("for", wait))
		}
	}
	return err
}

func (s *UserServiceImpl) SignIn(ctx context.Context, ip, appID, username, passwordToken string) (*SignInResult, error) {
	var res *SignInResult
	err := s.throttled(ctx, scopeSignIn, ip, func() error {
		var err error
		res, err = s.signIn(ctx, appID, username, passwordToken)
		return err
	})
	return res, err
}

func (s *UserServiceImpl) ForgotPassword(ctx context.Context, ip, appID, username, forgotPasswordToken string) error {
	return s.throttled(ctx, scopeForgotPassword, ip, func() error {
		return s.keys.ForgotPassword(ctx, appID, username, forgotPasswordToken)
	})
}

func (s *UserServiceImpl) signIn(ctx context.Context, appID, username, passwordToken string) (*SignInResult, error) {
	app, _, err := s.d.resolveAppString(ctx, appID)
	if err != nil {
		return nil, err
	}
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if passwordToken == "" {
		return nil, errs.Validation(errs.CodePasswordTokenMissing, "Password token missing")
	}
	user, err := s.d.loadUserByName(ctx, app.AppID, name)
	if err != nil {
		return nil, err
	}
	usedTemp, err := s.passwords.CheckPassword(ctx, user, passwordToken)
	if err != nil {
		return nil, err
	}

	tokens, err := s.sessions.CreateSession(ctx, user.UserID, app.AppID)
	if err != nil {
		return nil, err
	}
	msg, err := s.keys.IssueValidationMessage(user, tokens.SessionID)
	if err != nil {
		return nil, err
	}
	return &SignInResult{
		User:                       user,
		Session:                    tokens,
		UsedTempPassword:           usedTemp,
		EncryptedValidationMessage: msg,
		StripeData:                 s.subs.StripeData(user, app),
	}, nil
}

func (s *UserServiceImpl) SignOut(ctx context.Context, sessionID string) error {
	return s.sessions.InvalidateSession(ctx, sessionID)
}

// ExtendSession refreshes an authenticated session.
func (s *UserServiceImpl) ExtendSession(ctx context.Context, p *model.Principal) (*ExtendResult, error) {
	sess, err := s.sessions.ExtendSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	res := &ExtendResult{
		User:       p.User,
		AuthToken:  sess.AuthToken,
		BackUpKey:  p.User.PasswordBasedBackup == nil,
		StripeData: s.subs.StripeData(p.User, p.App),
	}
	if sess.ExtendedTime != nil {
		res.ExtendedTime = *sess.ExtendedTime
	}
	return res, nil
}

func (s *UserServiceImpl) GetPasswordSalts(ctx context.Context, appID, username string) (model.PasswordSalts, error) {
	app, _, err := s.d.resolveAppString(ctx, appID)
	if err != nil {
		return model.PasswordSalts{}, err
	}
	name, err := NormalizeUsername(username)
	if err != nil {
		return model.PasswordSalts{}, err
	}
	user, err := s.d.loadUserByName(ctx, app.AppID, name)
	if err != nil {
		return model.PasswordSalts{}, err
	}
	return user.PasswordSalts, nil
}

func (s *UserServiceImpl) UpdateUser(ctx context.Context, p *model.Principal, req UpdateUserRequest) error {
	var upd model.UserUpdate

	if req.Username != nil {
		name, err := NormalizeUsername(*req.Username)
		if err != nil {
			return err
		}
		if name != p.User.Username {
			upd.Username = &name
		}
	}

	if req.PasswordToken != nil {
		if *req.PasswordToken == "" {
			return errs.Validation(errs.CodePasswordTokenMissing, "Password token missing")
		}
		if req.CurrentPasswordToken == "" {
			return errs.Validation(errs.CodeCurrentPasswordMissing, "Current password token missing")
		}
		if req.PasswordSalts == nil || req.PasswordBasedBackup == nil {
			return errs.Validation(errs.CodeSaltsMissing, "Salts missing")
		}
		if err := checkSalts(*req.PasswordSalts, p.User.KeySalts, req.PasswordBasedBackup); err != nil {
			return err
		}
		if _, err := s.passwords.CheckPassword(ctx, p.User, req.CurrentPasswordToken); err != nil {
			return err
		}
		hash, err := crypto.HashToken(*req.PasswordToken)
		if err != nil {
			return s.d.upstream("hash password token", err)
		}
		upd.PasswordTokenHash = &hash
		upd.PasswordSalts = req.PasswordSalts
		upd.PasswordBasedBackup = req.PasswordBasedBackup
	}

	if req.Email != nil {
		if *req.Email == "" {
			upd.ClearEmail = true
		} else {
			if err := ValidateEmail(*req.Email); err != nil {
				return err
			}
			upd.Email = req.Email
		}
	}

	switch {
	case req.ClearProfile:
		upd.ClearProfile = true
	case req.Profile != nil:
		if err := ValidateProfile(req.Profile); err != nil {
			return err
		}
		upd.Profile = req.Profile
	}

	if upd.Empty() {
		if req.Username != nil {
			return nil
		}
		return errs.Validation(errs.CodeParamsMissing, "Params missing")
	}

	err := s.d.Users.Update(ctx, p.App.AppID, p.User.UserID, upd)
	switch {
	case errors.Is(err, errs.ErrAlreadyExists):
		return errs.Conflict(errs.CodeUsernameAlreadyExists, "Username already exists")
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrVersionConflict):
		return errs.Unauthorized(errs.CodeUserNotFound, "User not found")
	case err != nil:
		return s.d.upstream("update user", err, zap.String("user_id", p.User.UserID.String()))
	}
	return nil
}

func (s *UserServiceImpl) DeleteUser(ctx context.Context, p *model.Principal) error {
	return s.softDelete(ctx, p.User.UserID)
}

func (s *UserServiceImpl) softDelete(ctx context.Context, userID uuid.UUID) error {
	err := s.d.Users.SoftDelete(ctx, userID, s.d.now())
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Unauthorized(errs.CodeUserNotFound, "User not found")
	}
	if err != nil {
		return s.d.upstream("delete user", err, zap.String("user_id", userID.String()))
	}
	s.d.log().Info("user deleted", zap.String("user_id", userID.String()))
	return nil
}

// ownedUser loads a user and checks the admin owns its app.
func (s *UserServiceImpl) ownedUser(ctx context.Context, adminID, userID uuid.UUID) (*model.User, error) {
	user, err := s.d.loadUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	_, admin, err := s.d.resolveApp(ctx, user.AppID)
	if err != nil {
		return nil, err
	}
	if admin.AdminID != adminID {
		s.d.log().Debug("admin does not own user", zap.String("admin_id", adminID.String()), zap.String("user_id", userID.String()))
		return nil, errs.Unauthorized(errs.CodeUserNotFound, "User not found")
	}
	return user, nil
}

func (s *UserServiceImpl) AdminDeleteUser(ctx context.Context, adminID, userID uuid.UUID) error {
	if _, err := s.ownedUser(ctx, adminID, userID); err != nil {
		return err
	}
	return s.softDelete(ctx, userID)
}

func (s *UserServiceImpl) UpdateProtectedProfile(ctx context.Context, adminID, userID uuid.UUID, profile model.Profile) error {
	if profile != nil {
		if err := ValidateProfile(profile); err != nil {
			return err
		}
	}
	if _, err := s.ownedUser(ctx, adminID, userID); err != nil {
		return err
	}
	err := s.d.Users.UpdateProtectedProfile(ctx, userID, profile)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Unauthorized(errs.CodeUserNotFound, "User not found")
	}
	if err != nil {
		return s.d.upstream("update protected profile", err)
	}
	return nil
}

func (s *UserServiceImpl) PermanentDelete(ctx context.Context, userID uuid.UUID) error {
	du, err := s.d.Users.GetDeleted(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.NotFound("Deleted user not found")
	}
	if err != nil {
		return s.d.upstream("get deleted user", err)
	}

	actx, cancel := s.d.withTimeout(ctx)
	defer cancel()
	if err := s.d.Archive.PutUser(actx, du.AppID, du.UserID, du.Record); err != nil {
		return s.d.upstream("archive user", err, zap.String("user_id", userID.String()))
	}
	if err := s.d.Users.PurgeDeleted(ctx, userID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return s.d.upstream("purge deleted user", err)
	}
	s.d.log().Info("user permanently deleted", zap.String("user_id", userID.String()))
	return nil
}
