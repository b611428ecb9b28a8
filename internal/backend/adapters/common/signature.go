package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// HMACSHA256 computes the raw HMAC-SHA256 of message.
func HMACSHA256(secret string, message ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, part := range message {
		mac.Write(part)
	}
	return mac.Sum(nil)
}

// EqualSignature compares expected against a base64 or hex encoded signature
// in constant time.
func EqualSignature(expected []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	if idx := strings.Index(signature, "="); idx > 0 && strings.EqualFold(signature[:idx], "sha256") {
		signature = signature[idx+1:]
	}
	if decoded, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := hex.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}

// EqualToken compares two shared-secret tokens in constant time.
func EqualToken(expected, got string) bool {
	expected = strings.TrimSpace(expected)
	got = strings.TrimSpace(got)
	if expected == "" || got == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
