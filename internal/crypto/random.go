package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TokenBytes is the amount of randomness behind every state, nonce and session id.
const TokenBytes = 32

// GenerateSecureToken creates a cryptographically secure random token.
// Returns an unpadded base64 URL-encoded string suitable for use as OAuth state
// and nonce parameters, session ids, CSRF nonces, etc.
func GenerateSecureToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken derives a stable storage key from a bearer token so persisted
// records never contain the token itself.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
