// Package auth issues and verifies access tokens and tracks per-source
// authentication failures for lockout.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateToken returns a fresh opaque token: 32 random bytes, hex-encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// VerifyToken compares a presented token against the expected value in
// constant time. An empty expected value never matches.
func VerifyToken(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// HashToken returns the SHA-256 digest of a token, hex-encoded. Machine
// tokens are stored in this form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyMachineToken hashes the presented token and compares it against
// each stored digest. Every digest is checked so timing does not reveal
// which one matched.
func VerifyMachineToken(presented string, digests []string) bool {
	sum := []byte(HashToken(presented))
	matched := false
	for _, d := range digests {
		d = strings.ToLower(strings.TrimSpace(d))
		if subtle.ConstantTimeCompare(sum, []byte(d)) == 1 {
			matched = true
		}
	}
	return matched
}
