package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashString returns a hex-encoded SHA-256 hash for code/token storage.
// Codes are compared by hash so the raw secret never sits in a row.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashEqual compares a candidate secret against a stored hash in constant
// time.
func HashEqual(stored, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(HashString(candidate))) == 1
}
