package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignaturePrefix names the HMAC scheme so receivers can support others later.
const SignaturePrefix = "sha256="

// GenerateSecret returns a new 256-bit subscription secret, base64-encoded
// for storage. Secrets are write-once: never rotated, never re-disclosed.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Sign computes the HMAC-SHA256 of body under secret, lowercase hex with the
// scheme prefix, for the X-Webhook-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature over the raw body in constant time. The scheme
// prefix is optional on the provided value. Verification is normally the
// receiver's job; this is here for tests and tooling.
func Verify(secret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(provided, SignaturePrefix)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
