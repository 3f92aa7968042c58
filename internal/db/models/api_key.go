package models

import "time"

// APIKey represents an API key for authentication. The plaintext secret is
// never stored; KeyDigest is the hex SHA-256 of the full key and KeyPrefix is
// the short non-secret display form (e.g. "sk_live_a1b2").
//
// Revocation flips IsActive rather than deleting the row so that historical
// audit entries referencing the key id stay resolvable.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       *string    `json:"name,omitempty"` // Friendly name (e.g. "CI pipeline key")
	KeyDigest  string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	// Joined fields (not stored in api_keys table)
	Username   string  `json:"-"` // joined from users
	UserEmail  *string `json:"-"` // joined from users
	UserActive bool    `json:"-"` // joined from users
}

// Expired reports whether the key has an expiry in the past at time now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
