// Package clientcrypto contains the client half of the key-possession handshake:
// seed generation, key derivation from the seed, password tokens and seed backup.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/e2ee-identity/internal/crypto"
)

// Params
const (
	SeedLen = 32
	SaltLen = 16
	KeKLen  = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandSalt returns a fresh base64 salt.
func RandSalt() (string, error) {
	b, err := Rand(SaltLen)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Keys are the client keys derived from the seed.
type Keys struct {
	EncryptionKey []byte
	HMACKey       []byte
	dhPrivate     []byte
	DHPublicKey   string
}

// DeriveKeys expands the seed with the per-user salts (base64).
func DeriveKeys(seed []byte, encryptionKeySalt, dhKeySalt, hmacKeySalt string) (*Keys, error) {
	enc, err := expand(seed, encryptionKeySalt, "encryption-key", 32)
	if err != nil {
		return nil, err
	}
	mac, err := expand(seed, hmacKeySalt, "hmac-key", 32)
	if err != nil {
		return nil, err
	}
	priv, err := expand(seed, dhKeySalt, "dh-key", curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &Keys{
		EncryptionKey: enc,
		HMACKey:       mac,
		dhPrivate:     priv,
		DHPublicKey:   base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// DecryptChallenge opens an encrypted validation message or forgot-password token
// sent by the server and returns the base64 plaintext to echo back.
func (k *Keys) DecryptChallenge(serverPublicKey, encrypted string) (string, error) {
	shared, err := crypto.SharedKey(k.dhPrivate, serverPublicKey)
	if err != nil {
		return "", err
	}
	plain, err := crypto.Decrypt(shared, encrypted)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(plain), nil
}

// PasswordToken derives the token sent in place of the password.
func PasswordToken(password, passwordSalt, passwordTokenSalt string) (string, error) {
	return crypto.DerivePasswordToken(password, passwordSalt, passwordTokenSalt)
}

// DeriveKEK derives a key-encryption key from password and kekSalt using Argon2id.
func DeriveKEK(password, kekSalt []byte) []byte {
	return argon2.IDKey(password, kekSalt, argonTime, argonMemory, argonThreads, KeKLen)
}

// WrapSeed encrypts the seed with a password-derived key using XChaCha20-Poly1305.
// Returns base64(nonce || ciphertext), the passwordEncryptedSeed stored by the server.
func WrapSeed(password string, pbeSalt string, seed []byte) (string, error) {
	salt, err := base64.StdEncoding.DecodeString(pbeSalt)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK([]byte(password), salt))
	if err != nil {
		return "", err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(nonce)+len(seed)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, seed, nil)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// UnwrapSeed reverses WrapSeed.
func UnwrapSeed(password string, pbeSalt string, wrapped string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(pbeSalt)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, err
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("wrapped too short")
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK([]byte(password), salt))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:], nil)
}

func expand(seed []byte, saltB64, info string, n int) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, err
	}
	r := hkdf.New(sha256.New, seed, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
