// Package signature authenticates gateway webhooks. The gateway signs the
// raw request body with HMAC-SHA512 over a shared secret and sends the hex
// digest in a header; we recompute and compare in constant time.
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// Compute returns the hex HMAC-SHA512 of body under secret.
func Compute(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether provided matches the expected signature for body.
// Empty signatures never match. hmac.Equal keeps the comparison constant
// time regardless of how many leading bytes agree.
func Verify(secret string, body []byte, provided string) bool {
	if provided == "" {
		return false
	}
	expected := Compute(secret, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}
