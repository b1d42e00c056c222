package service

import (
	"encoding/hex"
	stdmail "net/mail"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
)

const (
	maxUsernameChars = 100
	maxProfileKeys   = 100
	maxProfileKeyLen = 20
	maxProfileValLen = 1000
	maxEmailLen      = 320

	tokenBytes = 32
	tokenLen   = 2 * tokenBytes // hex
	uuidLen    = 36
)

// NormalizeUsername case-folds and checks a username.
func NormalizeUsername(s string) (string, error) {
	if s == "" {
		return "", errs.Validation(errs.CodeUsernameMissing, "Username missing")
	}
	if !utf8.ValidString(s) {
		return "", errs.Validation(errs.CodeUsernameMustBeString, "Username must be a string")
	}
	if utf8.RuneCountInString(s) > maxUsernameChars {
		return "", errs.Validation(errs.CodeUsernameTooLong, "Username too long")
	}
	return strings.ToLower(s), nil
}

// ValidateProfile checks the flat profile limits.
func ValidateProfile(p model.Profile) error {
	if len(p) == 0 {
		return errs.Validation(errs.CodeProfileNotValid, "Profile cannot be empty")
	}
	if len(p) > maxProfileKeys {
		return errs.Validation(errs.CodeProfileTooLarge, "Profile has too many keys")
	}
	for k, v := range p {
		if k == "" || utf8.RuneCountInString(k) > maxProfileKeyLen {
			return errs.Validation(errs.CodeProfileNotValid, "Profile key not valid")
		}
		if utf8.RuneCountInString(v) > maxProfileValLen {
			return errs.Validation(errs.CodeProfileNotValid, "Profile value too long")
		}
	}
	return nil
}

// ValidateEmail accepts a bare address.
func ValidateEmail(s string) error {
	if len(s) > maxEmailLen {
		return errs.Validation(errs.CodeEmailNotValid, "Email not valid")
	}
	addr, err := stdmail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return errs.Validation(errs.CodeEmailNotValid, "Email not valid")
	}
	return nil
}

// ValidateRedirectURL accepts absolute http(s) URLs.
func ValidateRedirectURL(s string) error {
	u, err := url.ParseRequestURI(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errs.Validation(errs.CodeURLInvalid, "URL not valid")
	}
	return nil
}

// ParseID parses a fixed-length UUID. Wrong-length input is rejected before parsing.
func ParseID(s string) (uuid.UUID, error) {
	if len(s) != uuidLen {
		return uuid.Nil, errs.Validation(errs.CodeIDInvalid, "Id not valid")
	}
	id, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, errs.Validation(errs.CodeIDInvalid, "Id not valid")
	}
	return id, nil
}

func validSessionID(s string) error {
	if !isToken(s) {
		return errs.Validation(errs.CodeSessionIDInvalid, "Session id not valid")
	}
	return nil
}

func validAuthToken(s string) error {
	if !isToken(s) {
		return errs.Validation(errs.CodeAuthTokenInvalid, "Auth token not valid")
	}
	return nil
}

func isToken(s string) bool {
	if len(s) != tokenLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
