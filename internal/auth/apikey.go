package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// HeaderAPIKey carries a raw API key.
const HeaderAPIKey = "X-API-Key"

const fingerprintLen = 16

// Fingerprint returns the first 16 hex characters of the key's SHA-256 so
// the raw key never leaves this function.
func Fingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// ExtractBearer returns the bearer token of the Authorization header.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
