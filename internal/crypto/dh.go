package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	dhKeyInfo = "dh-key"

	// gcmNonceLen is the standard GCM nonce size.
	gcmNonceLen = 12
)

// KeyPair is the server's long-lived Diffie-Hellman key pair.
type KeyPair struct {
	private []byte
	public  []byte
}

// NewKeyPairFromSeed derives the server key pair from a secret seed with HKDF.
// The same seed always yields the same pair, so restarts keep enrolled users valid.
func NewKeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, errors.New("server key seed must be at least 32 bytes")
	}
	priv, err := hkdfExpand(seed, nil, dhKeyInfo, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	return newKeyPair(priv)
}

// GenerateKeyPair returns a random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := RandBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	return newKeyPair(priv)
}

func newKeyPair(priv []byte) (*KeyPair, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: priv, public: pub}, nil
}

// PublicKey returns the base64 public key handed to clients.
func (k *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.public)
}

// SharedKey computes the symmetric key shared with the holder of peerPublicB64:
// SHA-256 of the X25519 shared secret.
func (k *KeyPair) SharedKey(peerPublicB64 string) ([]byte, error) {
	return SharedKey(k.private, peerPublicB64)
}

// SharedKey computes SHA-256(X25519(private, peerPublic)).
func SharedKey(private []byte, peerPublicB64 string) ([]byte, error) {
	peer, err := base64.StdEncoding.DecodeString(peerPublicB64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(peer) != curve25519.PointSize {
		return nil, errors.New("public key has wrong length")
	}
	secret, err := curve25519.X25519(private, peer)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(secret)
	return sum[:], nil
}

// ValidPublicKey reports whether s decodes to an X25519 point.
func ValidPublicKey(s string) bool {
	b, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(b) == curve25519.PointSize
}

// Encrypt seals plaintext with AES-256-GCM under key. Format: base64(iv || ciphertext).
func Encrypt(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv, err := RandBytes(gcmNonceLen)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(iv)+len(plaintext)+aead.Overhead())
	out = append(out, iv...)
	out = append(out, aead.Seal(nil, iv, plaintext, nil)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(key []byte, sealedB64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcmNonceLen {
		return nil, errors.New("ciphertext too short")
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, sealed[:gcmNonceLen], sealed[gcmNonceLen:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
