// Package webhook delivers state-change events to registered endpoints with
// signing, retry, and receiver-side de-duplication support.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed
// with the merchant's shared webhook secret.
const SignatureHeader = "X-SheikhPay-Signature"

// Sign computes the body signature receivers use to authenticate origin.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time. Exposed for receiver
// implementations.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
