// Package auth provides the credential primitives for the gateway: API key
// generation, the one-way digest that is the only persisted form of a key,
// and constant-time comparison for the admin secret.
//
// Keys are validated by digest equality — the SHA-256 digest of the presented
// token is looked up directly against the unique key_digest column, so
// validation is a single indexed query. The digest is deterministic on
// purpose; the secret itself carries the entropy (24 random bytes), so a
// salted hash would add nothing except an unindexable column.
// See internal/middleware/auth.go for the request-time logic built on these
// primitives.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes.
	// 24 bytes encode to exactly 32 URL-safe characters.
	APIKeyLength = 24

	// DisplayPrefixLength is the number of leading characters of the full key
	// that are safe to show in listings.
	DisplayPrefixLength = 12
)

// GenerateAPIKey creates a new random API key with the given prefix.
// Returns: full key (shown to the caller exactly once), hex SHA-256 digest
// (the only form ever stored), and the display prefix.
func GenerateAPIKey(prefix string) (key string, digest string, displayPrefix string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	randomPart := base64.RawURLEncoding.EncodeToString(randomBytes)

	fullKey := fmt.Sprintf("%s_%s", prefix, randomPart)

	return fullKey, DigestAPIKey(fullKey), DisplayPrefix(fullKey), nil
}

// DigestAPIKey returns the hex-encoded SHA-256 digest of a key. Deterministic:
// the same key always digests to the same value, which is what makes the
// indexed lookup in the api_keys table possible.
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the leading characters of a key that are safe to show
// in listings without revealing the secret.
func DisplayPrefix(key string) string {
	if len(key) > DisplayPrefixLength {
		return key[:DisplayPrefixLength]
	}
	return key
}

// ConstantTimeEquals reports whether a and b are equal without leaking timing
// information about where they differ. Used for the admin secret, which is
// compared directly against configuration rather than digest-looked-up.
// The length check itself is not constant time; key length is not secret.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ExtractAPIKeyFromHeader extracts the bearer token from an Authorization header.
// Expected format: "Bearer sk_live_abc123xyz..."
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimPrefix(header, "Bearer ")
	key = strings.TrimSpace(key)

	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}

	return key, nil
}
