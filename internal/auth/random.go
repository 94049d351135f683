package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

func NewID() string {
	return uuid.NewString()
}

// NumericCode returns a uniformly random numeric code of the given length,
// left-padded with zeros.
func NumericCode(length int) (string, error) {
	if length < 1 {
		length = 6
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// OpaqueToken returns 2n hex characters of cryptographic randomness.
func OpaqueToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// MaskEmail keeps the first 3 characters of the local part and masks the
// rest up to the @.
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return MaskTail(email)
	}
	return MaskTail(email[:at]) + email[at:]
}

// MaskPhone keeps the first 3 characters and masks the tail.
func MaskPhone(phone string) string {
	return MaskTail(phone)
}

func MaskTail(s string) string {
	if len(s) <= 3 {
		return s
	}
	return s[:3] + strings.Repeat("*", len(s)-3)
}
