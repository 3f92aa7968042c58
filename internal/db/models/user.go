// Package models defines the database model types for the sandbox gateway.
// Each type corresponds to a database table. Models are pure data types —
// business logic belongs in the manager/handler layer, query logic belongs
// in the repositories layer.
package models

import "time"

// User represents a gateway tenant. The username is a DNS label because it is
// embedded in the tenant's Kubernetes namespace name (user-<username>).
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Email     *string   `json:"email,omitempty" db:"email"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Namespace returns the tenant partition identifier derived from the
// username. Deterministic: the same user always maps to the same namespace.
func (u *User) Namespace() string {
	return "user-" + u.Username
}
