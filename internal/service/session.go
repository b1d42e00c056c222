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

// Session rejection reasons. They are logged and carried on the error, never shown to clients.
const (
	ReasonDoesNotExist   = "doesNotExist"
	ReasonInvalidated    = "invalidated"
	ReasonExpired        = "expired"
	ReasonNotUserSession = "notUserSession"
)

// SessionManager issues and checks login sessions.
type SessionManager interface {
	CreateSession(ctx context.Context, userID, appID uuid.UUID) (model.SessionTokens, error)
	// ValidateSession applies the liveness rules to a loaded session (nil means absent).
	ValidateSession(s *model.Session) error
	// Authenticate resolves a session id into the user, app and admin it acts for.
	Authenticate(ctx context.Context, sessionID string, appID uuid.UUID) (*model.Principal, error)
	// VerifyAuthToken checks an auth token on behalf of the admin owning its app.
	VerifyAuthToken(ctx context.Context, authToken string, adminID uuid.UUID) (*model.Principal, error)
	ExtendSession(ctx context.Context, sessionID string) (*model.Session, error)
	InvalidateSession(ctx context.Context, sessionID string) error
}

type SessionManagerImpl struct {
	d *Deps
}

func NewSessionManager(d *Deps) *SessionManagerImpl {
	return &SessionManagerImpl{d: d}
}

// CreateSession stores a new session with two independent random tokens.
func (m *SessionManagerImpl) CreateSession(ctx context.Context, userID, appID uuid.UUID) (model.SessionTokens, error) {
	sessionID, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return model.SessionTokens{}, m.d.upstream("generate session id", err)
	}
	authToken, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return model.SessionTokens{}, m.d.upstream("generate auth token", err)
	}
	now := m.d.now()
	s := &model.Session{
		SessionID:    sessionID,
		AuthToken:    authToken,
		UserID:       userID,
		AppID:        appID,
		CreationTime: now,
		ExpiresAt:    now.Add(m.d.Settings.SessionLength),
	}
	if err := m.d.Sessions.Create(ctx, s); err != nil {
		return model.SessionTokens{}, m.d.upstream("create session", err, zap.String("user_id", userID.String()))
	}
	return model.SessionTokens{SessionID: sessionID, AuthToken: authToken, CreationTime: now}, nil
}

func (m *SessionManagerImpl) ValidateSession(s *model.Session) error {
	switch {
	case s == nil:
		return m.reject(ReasonDoesNotExist, "")
	case s.Invalidated:
		return m.reject(ReasonInvalidated, s.SessionID)
	case m.d.now().After(s.LastActive().Add(m.d.Settings.SessionLength)):
		return m.reject(ReasonExpired, s.SessionID)
	case s.UserID == uuid.Nil:
		return m.reject(ReasonNotUserSession, s.SessionID)
	}
	return nil
}

func (m *SessionManagerImpl) reject(reason, sessionID string) error {
	m.d.log().Debug("session rejected", zap.String("reason", reason), zap.String("session_id", sessionID))
	return errs.SessionInvalid(reason)
}

func (m *SessionManagerImpl) Authenticate(ctx context.Context, sessionID string, appID uuid.UUID) (*model.Principal, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	s, err := m.d.Sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		s = nil
	case err != nil:
		return nil, m.d.upstream("get session", err)
	}
	if err := m.ValidateSession(s); err != nil {
		return nil, err
	}
	if s.AppID != appID {
		m.d.log().Debug("session used with another app",
			zap.String("session_app_id", s.AppID.String()), zap.String("app_id", appID.String()))
		return nil, errs.Unauthorized(errs.CodeUnauthorized, "Unauthorized")
	}

	user, err := m.d.loadUserByID(ctx, s.UserID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeUserNotFound {
			m.d.log().Debug("session user missing", zap.String("user_id", s.UserID.String()))
			return nil, errs.Unauthorized(errs.CodeUnauthorized, "Unauthorized")
		}
		return nil, err
	}
	if user.AppID != appID {
		return nil, errs.Unauthorized(errs.CodeUnauthorized, "Unauthorized")
	}
	app, admin, err := m.d.resolveApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	return &model.Principal{User: user, App: app, Admin: admin, SessionID: s.SessionID, AuthToken: s.AuthToken}, nil
}

func (m *SessionManagerImpl) VerifyAuthToken(ctx context.Context, authToken string, adminID uuid.UUID) (*model.Principal, error) {
	if err := validAuthToken(authToken); err != nil {
		return nil, err
	}
	s, err := m.d.Sessions.GetByAuthToken(ctx, authToken)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		s = nil
	case errors.Is(err, errs.ErrIntegrity):
		return nil, m.d.integrity("auth token maps to more than one session", err)
	case err != nil:
		return nil, m.d.upstream("get session by auth token", err)
	}
	if err := m.ValidateSession(s); err != nil {
		return nil, err
	}

	app, admin, err := m.d.resolveApp(ctx, s.AppID)
	if err != nil {
		return nil, err
	}
	if admin.AdminID != adminID {
		m.d.log().Debug("auth token checked by foreign admin", zap.String("admin_id", adminID.String()))
		return nil, errs.Unauthorized(errs.CodeUnauthorized, "Unauthorized")
	}
	user, err := m.d.loadUserByID(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if user.AppID != app.AppID {
		return nil, errs.Unauthorized(errs.CodeUnauthorized, "Unauthorized")
	}
	return &model.Principal{User: user, App: app, Admin: admin, SessionID: s.SessionID, AuthToken: s.AuthToken}, nil
}

// ExtendSession refreshes extendedTime and the store TTL without re-validating the session.
// Callers authenticate first.
func (m *SessionManagerImpl) ExtendSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	now := m.d.now()
	s, err := m.d.Sessions.Extend(ctx, sessionID, now, now.Add(m.d.Settings.SessionLength))
	if errors.Is(err, errs.ErrNotFound) {
		return nil, m.reject(ReasonDoesNotExist, sessionID)
	}
	if err != nil {
		return nil, m.d.upstream("extend session", err)
	}
	return s, nil
}

// InvalidateSession is idempotent.
func (m *SessionManagerImpl) InvalidateSession(ctx context.Context, sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	err := m.d.Sessions.Invalidate(ctx, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return m.reject(ReasonDoesNotExist, sessionID)
	}
	if err != nil {
		return m.d.upstream("invalidate session", err)
	}
	return nil
}
