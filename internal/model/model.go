// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Environment selects the payment environment a subscription lives in.
type Environment string

const (
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

// Environments lists every payment environment.
var Environments = []Environment{EnvTest, EnvProd}

// EnvironmentFor maps the provider's live-mode flag to an environment.
func EnvironmentFor(isProd bool) Environment {
	if isProd {
		return EnvProd
	}
	return EnvTest
}

// PaymentsMode is the app-level payment switch.
type PaymentsMode string

const (
	PaymentsDisabled PaymentsMode = "disabled"
	PaymentsTest     PaymentsMode = "test"
	PaymentsProd     PaymentsMode = "prod"
)

// Environment returns the active environment, false when payments are disabled.
func (m PaymentsMode) Environment() (Environment, bool) {
	switch m {
	case PaymentsTest:
		return EnvTest, true
	case PaymentsProd:
		return EnvProd, true
	default:
		return "", false
	}
}

// Subscription status values reported by the payment provider.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Subscription is the billing state of a user in one environment.
type Subscription struct {
	CustomerID     string `json:"customerId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	PlanID         string `json:"planId,omitempty"`
	Status         string `json:"status,omitempty"`
	CancelAt       *int64 `json:"cancelAt,omitempty"`       // unix seconds
	EventTimestamp *int64 `json:"eventTimestamp,omitempty"` // provider event time, monotonic guard
}

// Subscriptions keys billing state by environment.
type Subscriptions map[Environment]Subscription

// Get returns the subscription for env, zero value when absent.
func (s Subscriptions) Get(env Environment) Subscription {
	if s == nil {
		return Subscription{}
	}
	return s[env]
}

// Profile is a flat string-keyed, string-valued mapping.
type Profile map[string]string

// PasswordBasedBackup is the seed encrypted with a password-derived key.
type PasswordBasedBackup struct {
	PasswordBasedEncryptionKeySalt string `json:"passwordBasedEncryptionKeySalt"`
	PasswordEncryptedSeed          string `json:"passwordEncryptedSeed"`
}

// PasswordSalts are client-generated salts for password token derivation.
type PasswordSalts struct {
	PasswordSalt      string `json:"passwordSalt"`
	PasswordTokenSalt string `json:"passwordTokenSalt"`
}

// KeySalts are client-generated salts for key derivation from the seed.
type KeySalts struct {
	EncryptionKeySalt string `json:"encryptionKeySalt"`
	DHKeySalt         string `json:"dhKeySalt"`
	HMACKeySalt       string `json:"hmacKeySalt"`
}

// User is one record per (app, username). Sensitive keys are never stored in plaintext.
type User struct {
	UserID   uuid.UUID // immutable across renames
	Username string    // case-folded, unique per app
	AppID    uuid.UUID

	PasswordTokenHash        string
	PasswordSalts            PasswordSalts
	TempPasswordTokenHash    string
	TempPasswordCreationTime *time.Time

	PublicKey           string // client DH public key, immutable
	KeySalts            KeySalts
	PasswordBasedBackup *PasswordBasedBackup

	SeedNotSavedYet bool

	IncorrectPasswordAttemptsInRow int
	SuspendedAt                    *time.Time

	// Soft deletion moves the record to DeletedUser; a loaded User is always live.
	CreationTime time.Time

	Email            string
	Profile          Profile
	ProtectedProfile Profile

	Subscriptions Subscriptions
}

// Session is one record per active login.
type Session struct {
	SessionID    string
	AuthToken    string
	UserID       uuid.UUID // uuid.Nil when not bound to a user
	AppID        uuid.UUID
	CreationTime time.Time
	ExtendedTime *time.Time
	Invalidated  bool
	ExpiresAt    time.Time // store-level TTL
}

// LastActive is the later of ExtendedTime and CreationTime.
func (s *Session) LastActive() time.Time {
	if s.ExtendedTime != nil && s.ExtendedTime.After(s.CreationTime) {
		return *s.ExtendedTime
	}
	return s.CreationTime
}

// App is a tenant application owned by an admin.
type App struct {
	AppID        uuid.UUID
	AdminID      uuid.UUID
	Name         string
	PaymentsMode PaymentsMode
	PlanIDs      map[Environment]string
	DeletedAt    *time.Time
}

// PlanID returns the configured plan for env, empty when unset.
func (a *App) PlanID(env Environment) string {
	if a.PlanIDs == nil {
		return ""
	}
	return a.PlanIDs[env]
}

// Admin owns apps and the connected payment account.
type Admin struct {
	AdminID         uuid.UUID
	Email           string
	StripeAccountID string
	DeletedAt       *time.Time
}

// SessionTokens is what a freshly created session hands back.
type SessionTokens struct {
	SessionID    string
	AuthToken    string
	CreationTime time.Time
}

// Principal is the result of authenticating a session: everything a protected operation needs.
type Principal struct {
	User      *User
	App       *App
	Admin     *Admin
	SessionID string
	AuthToken string
}

// StripeData is the entitlement summary handed to clients.
type StripeData struct {
	PaymentsMode         PaymentsMode `json:"paymentsMode"`
	SubscriptionStatus   string       `json:"subscriptionStatus,omitempty"`
	CancelSubscriptionAt *time.Time   `json:"cancelSubscriptionAt,omitempty"`
	SubscriptionPlanID   string       `json:"subscriptionPlanId,omitempty"`
}

// SubscriptionEvent is a billing event delivered by the payment provider.
type SubscriptionEvent struct {
	AdminID           uuid.UUID
	AppID             uuid.UUID
	UserID            uuid.UUID
	CustomerID        string
	SubscriptionID    string
	PlanID            string
	Status            string
	CancelAt          *int64
	EventTimestamp    int64
	IsProd            bool
	ProviderAccountID string
}

// UserUpdate lists the optional changes of an UpdateUser call. Nil means unchanged.
type UserUpdate struct {
	Username            *string
	PasswordTokenHash   *string
	PasswordSalts       *PasswordSalts
	PasswordBasedBackup *PasswordBasedBackup
	Email               *string
	ClearEmail          bool
	Profile             Profile
	ClearProfile        bool
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.Username == nil && u.PasswordTokenHash == nil && u.PasswordSalts == nil &&
		u.PasswordBasedBackup == nil && u.Email == nil && !u.ClearEmail &&
		u.Profile == nil && !u.ClearProfile
}

// DeletedUser is a soft-deleted user snapshot awaiting archival.
type DeletedUser struct {
	UserID    uuid.UUID
	AppID     uuid.UUID
	Username  string
	Record    []byte // JSON snapshot of the user row
	DeletedAt time.Time
}
