package signature

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// MinSecretLength is the shortest secret accepted for signing.
const MinSecretLength = 16

// ErrWeakSecret is returned for secrets shorter than MinSecretLength.
var ErrWeakSecret = errors.New("signature: secret must be at least 16 bytes")

// GenerateSecret creates a cryptographically random signing secret.
// Format: "whsec_" + 32 bytes hex = 70 characters total.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("herald: failed to generate random secret: " + err.Error())
	}
	return "whsec_" + hex.EncodeToString(b)
}

// ValidateSecret rejects secrets too short to carry 128 bits.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return ErrWeakSecret
	}
	return nil
}
