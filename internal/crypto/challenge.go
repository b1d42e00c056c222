package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"time"
)

const challengeKeyInfo = "challenge-key"

// ChallengeLen is the byte length of a validation message or forgot-password token.
const ChallengeLen = 16

// Challenge purposes.
const (
	PurposeValidateKey    = "validate-key"
	PurposeForgotPassword = "forgot-password"
)

// Challenger derives challenges from server key material instead of caching them.
// A challenge is HMAC-SHA256(key, purpose || userID || binding || bucket)[:ChallengeLen],
// where bucket is the issue time truncated to window.
type Challenger struct {
	key []byte
	// window in whole seconds, at least 1
	window int64
}

// MinChallengeWindow is the smallest window a Challenger accepts.
const MinChallengeWindow = time.Second

// NewChallenger derives the challenge key from the server seed.
func NewChallenger(seed []byte, window time.Duration) (*Challenger, error) {
	if len(seed) < 32 {
		return nil, errors.New("server key seed must be at least 32 bytes")
	}
	if window < MinChallengeWindow {
		return nil, errors.New("challenge window must be at least 1s")
	}
	key, err := hkdfExpand(seed, nil, challengeKeyInfo, sha256.Size)
	if err != nil {
		return nil, err
	}
	return &Challenger{key: key, window: int64(window / time.Second)}, nil
}

// Derive returns the challenge valid at time at.
func (c *Challenger) Derive(purpose, userID, binding string, at time.Time) []byte {
	return c.derive(purpose, userID, binding, at.Unix()/c.window)
}

// Candidates returns the challenges still accepted at now: current and previous bucket.
func (c *Challenger) Candidates(purpose, userID, binding string, now time.Time) [][]byte {
	bucket := now.Unix() / c.window
	return [][]byte{
		c.derive(purpose, userID, binding, bucket),
		c.derive(purpose, userID, binding, bucket-1),
	}
}

func (c *Challenger) derive(purpose, userID, binding string, bucket int64) []byte {
	mac := hmac.New(sha256.New, c.key)
	for _, part := range []string{purpose, userID, binding} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(part)))
		mac.Write(l[:])
		mac.Write([]byte(part))
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(bucket))
	mac.Write(b[:])
	return mac.Sum(nil)[:ChallengeLen]
}

// Equal compares two byte strings in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
