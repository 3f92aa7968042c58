// Package storage defines the object store interface backing sandbox
// workspaces. The gateway itself never reads or writes sandbox data — it only
// provisions the per-sandbox prefix (`<username>/<name>/`) so the workload's
// volume mounter finds an anchored location, checks existence, and probes the
// backend for readiness.
//
// New backends are added by implementing the Storage interface and
// registering with the factory via an init() function in the backend's own
// package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The router imports each backend with a blank import to trigger init(), so
// adding a backend requires no factory changes.
package storage

import "context"

// Storage is the narrow object-store surface the gateway depends on.
type Storage interface {
	// EnsurePrefix creates an empty placeholder under path so the prefix
	// exists before the first sandbox write. Idempotent: an existing prefix
	// is success.
	EnsurePrefix(ctx context.Context, path string) error

	// Exists reports whether any object lives under path.
	Exists(ctx context.Context, path string) (bool, error)

	// Ping verifies the backend is reachable and authorized. Used by the
	// readiness probe.
	Ping(ctx context.Context) error
}
