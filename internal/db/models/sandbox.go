package models

import "time"

// Sandbox is the ownership record for a tenant compute workload. The database
// row is authoritative for "who owns this sandbox"; the orchestrator object
// identified by (Namespace, ResourceName) is authoritative for runtime state.
// The two unique keys — (user_id, name) and (namespace, resource_name) —
// serialize concurrent creates and anchor out-of-band reconciliation.
//
// Struct tags carry both JSON serialization and sqlx row scanning; the
// sandbox repository scans rows with sqlx rather than positional Scan calls.
type Sandbox struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Name         string    `json:"name" db:"name"`
	Namespace    string    `json:"namespace" db:"namespace"`
	ResourceName string    `json:"resource_name" db:"resource_name"`
	Image        *string   `json:"image,omitempty" db:"image"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
