package security

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// TokenBytes is the entropy of session IDs and transfer tokens.
const TokenBytes = 32

var transferTokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// RandomHex returns n random bytes hex-encoded (2n lowercase characters).
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewSessionID returns a 64-character hex session identifier.
func NewSessionID() (string, error) {
	return RandomHex(TokenBytes)
}

// NewTransferToken returns a 64-character lowercase hex session-transfer token.
func NewTransferToken() (string, error) {
	return RandomHex(TokenBytes)
}

// IsTransferToken reports whether s has the shape of a transfer token.
func IsTransferToken(s string) bool {
	return transferTokenPattern.MatchString(s)
}

// NewResetToken returns an opaque password-reset token.
func NewResetToken() string {
	return uuid.NewString()
}
