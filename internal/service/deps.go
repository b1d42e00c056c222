// Package service contains the credential and session-security core: sessions,
// password checks with lockout, the key-possession handshake, subscription
// reconciliation and the user operations built on them.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/archive"
	"github.com/and161185/e2ee-identity/internal/bgtask"
	"github.com/and161185/e2ee-identity/internal/crypto"
	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/limiter"
	"github.com/and161185/e2ee-identity/internal/mail"
	"github.com/and161185/e2ee-identity/internal/payments"
	"github.com/and161185/e2ee-identity/internal/repository"
)

// Settings are the tunables of the core.
type Settings struct {
	SessionLength        time.Duration
	PasswordAttemptLimit int
	SuspensionDuration   time.Duration
	TempPasswordTTL      time.Duration
	CollaboratorTimeout  time.Duration
	DeletedUserRetention time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		SessionLength:        24 * time.Hour,
		PasswordAttemptLimit: 25,
		SuspensionDuration:   24 * time.Hour,
		TempPasswordTTL:      24 * time.Hour,
		CollaboratorTimeout:  10 * time.Second,
		DeletedUserRetention: 30 * 24 * time.Hour,
	}
}

// Deps is built once at process start and shared by every service.
type Deps struct {
	Users         repository.UserRepository
	Subscriptions repository.SubscriptionRepository
	Sessions      repository.SessionRepository
	Registry      repository.RegistryRepository

	ServerKey  *crypto.KeyPair
	Challenger *crypto.Challenger

	Payments payments.Provider
	Mail     mail.Sender
	Archive  archive.Archiver
	// Limiter throttles credential endpoints per client address; nil disables it.
	Limiter limiter.Limiter

	Tasks    *bgtask.Runner
	Log      *zap.Logger
	Now      func() time.Time
	Settings Settings
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// upstream logs a collaborator failure once and hides it behind a generic error.
func (d *Deps) upstream(op string, err error, fields ...zap.Field) error {
	d.log().Error(op+" failed", append(fields, zap.Error(err))...)
	return errs.Upstream(op, err)
}

// integrity logs store corruption at the highest level and raises it.
func (d *Deps) integrity(what string, err error, fields ...zap.Field) error {
	d.log().Error("integrity violation", append(fields, zap.String("integrity", what), zap.Error(err))...)
	return errs.Integrity(what, err)
}

// withTimeout bounds a call to an external collaborator.
func (d *Deps) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Settings.CollaboratorTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Settings.CollaboratorTimeout)
}
