// Package crypto generates the opaque secrets handed out to account holders.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// TokenBytes is the entropy of an access token before encoding.
const TokenBytes = 32

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewToken returns TokenBytes random bytes encoded as unpadded base64url (43 chars).
func NewToken() (string, error) {
	b, err := RandBytes(TokenBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
