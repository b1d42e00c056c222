package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the taxonomy bucket of an error. Transports map kinds to status codes.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthorization
	KindLockout
	KindConflict
	KindNotFound
	KindIntegrity
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindLockout:
		return "lockout"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindIntegrity:
		return "integrity"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Code names a concrete error variant. Callers match on codes, never on messages.
type Code string

// Validation codes.
const (
	CodeUsernameMissing        Code = "UsernameMissing"
	CodeUsernameTooLong        Code = "UsernameTooLong"
	CodeUsernameMustBeString   Code = "UsernameMustBeString"
	CodePasswordTokenMissing   Code = "PasswordTokenMissing"
	CodePublicKeyMissing       Code = "PublicKeyMissing"
	CodeSaltsMissing           Code = "SaltsMissing"
	CodeEmailNotValid          Code = "EmailNotValid"
	CodeProfileNotValid        Code = "ProfileNotValid"
	CodeProfileTooLarge        Code = "ProfileTooLarge"
	CodeSessionIDInvalid       Code = "SessionIdInvalid"
	CodeAuthTokenInvalid       Code = "AuthTokenInvalid"
	CodeIDInvalid              Code = "IdInvalid"
	CodeParamsMissing          Code = "ParamsMissing"
	CodeUserMissingEmail       Code = "UserMissingEmail"
	CodeCurrentPasswordMissing Code = "CurrentPasswordMissing"
	CodeURLInvalid             Code = "UrlInvalid"
)

// Authorization codes.
const (
	CodeUnauthorized           Code = "Unauthorized"
	CodeSessionInvalid         Code = "SessionInvalid"
	CodeAppIDNotValid          Code = "AppIdNotValid"
	CodeAdminInvalid           Code = "AdminInvalid"
	CodeUserNotFound           Code = "UserNotFound"
	CodeIncorrectPassword      Code = "IncorrectPassword"
	CodeTempPasswordExpired    Code = "TempPasswordExpired"
	CodeKeyNotValid            Code = "KeyNotValid"
	CodeInvalidSeed            Code = "InvalidSeed"
	CodeForgotPasswordNotValid Code = "ForgotPasswordTokenNotValid"
)

// Lockout codes.
const (
	CodePasswordAttemptLimitExceeded Code = "PasswordAttemptLimitExceeded"
	CodeTooManyRequests              Code = "TooManyRequests"
)

// Conflict codes.
const (
	CodeUsernameAlreadyExists         Code = "UsernameAlreadyExists"
	CodeStaleSubscriptionEvent        Code = "StaleSubscriptionEvent"
	CodeSubscriptionPlanAlreadyBought Code = "SubscriptionPlanAlreadyPurchased"
)

// Entitlement codes. They are authorization failures of a payment-gated action.
const (
	CodePaymentsDisabled           Code = "PaymentsDisabled"
	CodeSubscriptionPlanNotSet     Code = "SubscriptionPlanNotSet"
	CodeSubscriptionNotFound       Code = "SubscriptionNotFound"
	CodeSubscribedToIncorrectPlan  Code = "SubscribedToIncorrectPlan"
	CodeSubscriptionInactive       Code = "SubscriptionInactive"
	CodePaymentAccountNotConnected Code = "PaymentAccountNotConnected"
)

// Remaining codes.
const (
	CodeNotFound  Code = "NotFound"
	CodeIntegrity Code = "IntegrityViolation"
	CodeInternal  Code = "InternalServerError"
)

// Error is a tagged error variant. Only the fields relevant to the Kind are set.
type Error struct {
	Kind    Kind
	Code    Code
	Message string

	// RetryAfter is set for KindLockout.
	RetryAfter time.Duration

	// Reason distinguishes variants internally (e.g. why a session is invalid). Never shown externally.
	Reason string

	// Err is the wrapped cause; never shown to external callers.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns a bare variant usable as an errors.Is target.
func New(code Code) *Error {
	return &Error{Kind: kindOf(code), Code: code}
}

// Validation reports malformed input.
func Validation(code Code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Unauthorized reports an authorization failure. The message is deliberately uniform.
func Unauthorized(code Code, msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: msg}
}

// SessionInvalid reports an unusable session; reason is for logs only.
func SessionInvalid(reason string) *Error {
	return &Error{Kind: KindAuthorization, Code: CodeSessionInvalid, Message: "Session invalid", Reason: reason}
}

// Lockout reports a password attempt lockout with a retry hint.
func Lockout(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindLockout,
		Code:       CodePasswordAttemptLimitExceeded,
		Message:    fmt.Sprintf("Password attempt limit exceeded. Must wait %s to retry.", retryAfter),
		RetryAfter: retryAfter,
	}
}

// RateLimited reports a per-client throttle on credential endpoints.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindLockout, Code: CodeTooManyRequests, Message: "Too many requests", RetryAfter: retryAfter}
}

// Conflict reports an expected concurrency or uniqueness conflict.
func Conflict(code Code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

// NotFound reports a missing entity the caller addressed directly.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: msg}
}

// Integrity reports store-level corruption.
func Integrity(msg string, cause error) *Error {
	return &Error{Kind: KindIntegrity, Code: CodeIntegrity, Message: msg, Err: cause}
}

// Upstream wraps a collaborator failure as a generic internal error.
func Upstream(op string, cause error) *Error {
	return &Error{Kind: KindUpstream, Code: CodeInternal, Message: op, Err: cause}
}

// KindOf returns the Kind of err, or KindUpstream for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// CodeOf returns the Code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsEntitlement reports whether err denies a paid feature to a signed-in user.
// Billing setup failures such as CodePaymentsDisabled are not included.
func IsEntitlement(err error) bool {
	switch CodeOf(err) {
	case CodeSubscriptionPlanNotSet, CodeSubscriptionNotFound, CodeSubscribedToIncorrectPlan, CodeSubscriptionInactive:
		return true
	}
	return false
}

// PublicMessage is safe to show to external callers.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindUpstream || e.Kind == KindIntegrity {
		return "Internal server error"
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func kindOf(code Code) Kind {
	switch code {
	case CodeUsernameMissing, CodeUsernameTooLong, CodeUsernameMustBeString, CodePasswordTokenMissing,
		CodePublicKeyMissing, CodeSaltsMissing, CodeEmailNotValid, CodeProfileNotValid, CodeProfileTooLarge,
		CodeSessionIDInvalid, CodeAuthTokenInvalid, CodeIDInvalid, CodeParamsMissing, CodeUserMissingEmail,
		CodeCurrentPasswordMissing, CodeURLInvalid:
		return KindValidation
	case CodePasswordAttemptLimitExceeded, CodeTooManyRequests:
		return KindLockout
	case CodeUsernameAlreadyExists, CodeStaleSubscriptionEvent, CodeSubscriptionPlanAlreadyBought:
		return KindConflict
	case CodeNotFound:
		return KindNotFound
	case CodeIntegrity:
		return KindIntegrity
	case CodeInternal:
		return KindUpstream
	default:
		return KindAuthorization
	}
}
