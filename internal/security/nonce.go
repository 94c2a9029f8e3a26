package security

import (
	"crypto/rand"
	"encoding/base64"
)

// NewNonce returns n random bytes encoded as unpadded URL-safe base64, suitable
// for OAuth state values.
func NewNonce(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
