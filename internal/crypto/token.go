package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const passwordTokenInfo = "password-token"

// PasswordTokenLen is the byte length of a derived password token.
const PasswordTokenLen = 32

// DerivePasswordToken derives the token a client would send for password.
// Salts are the base64 values stored on the user record:
// Argon2id(password, passwordSalt) -> HKDF-SHA256(salt=passwordTokenSalt).
func DerivePasswordToken(password, passwordSaltB64, passwordTokenSaltB64 string) (string, error) {
	passwordSalt, err := base64.StdEncoding.DecodeString(passwordSaltB64)
	if err != nil || len(passwordSalt) == 0 {
		return "", errors.New("bad password salt")
	}
	tokenSalt, err := base64.StdEncoding.DecodeString(passwordTokenSaltB64)
	if err != nil || len(tokenSalt) == 0 {
		return "", errors.New("bad password token salt")
	}
	stretched := HashPassword([]byte(password), passwordSalt)
	token, err := hkdfExpand(stretched, tokenSalt, passwordTokenInfo, PasswordTokenLen)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(token), nil
}

func hkdfExpand(secret, salt []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
