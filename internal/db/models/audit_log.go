// audit_log.go defines the AuditLog model for recording privileged actions,
// capturing actor, action, affected resource, outcome, client network metadata,
// and arbitrary structured detail. Rows are append-only: nothing in the
// gateway updates or deletes them.
package models

import "time"

// Audit entry statuses.
const (
	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
	AuditStatusDenied  = "denied"
)

// AuditLog represents a single audit entry. UserID is nullable because some
// failures (rejected authentication attempts) occur before any principal is
// resolved, and because deleting a user nulls the reference while keeping
// the entry.
type AuditLog struct {
	ID           string                 `json:"id"`
	UserID       *string                `json:"user_id,omitempty"`
	Action       string                 `json:"action"` // "sandbox.create", "apikey.revoke", "auth.denied"
	ResourceType *string                `json:"resource_type,omitempty"`
	ResourceID   *string                `json:"resource_id,omitempty"`
	Status       string                 `json:"status"`
	Detail       map[string]interface{} `json:"detail,omitempty"` // JSONB: error text, request fields
	IPAddress    *string                `json:"ip_address,omitempty"`
	UserAgent    *string                `json:"user_agent,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
