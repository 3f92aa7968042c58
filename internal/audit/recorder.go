// Package audit records privileged actions taken through the gateway:
// user and key administration, sandbox lifecycle operations, and (optionally)
// rejected authentication attempts. Entries land in the audit_logs table and
// may additionally ship to file or webhook sinks for SIEM ingestion. Audit
// writing is strictly off the request path: a failed insert is logged and
// counted, never surfaced to the caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/safego"
	"github.com/sandbox-gateway/sandbox-gateway/internal/telemetry"
)

// writeTimeout bounds the detached insert/ship of a single entry.
const writeTimeout = 5 * time.Second

// Recorder persists audit entries and mirrors them to configured shippers.
type Recorder struct {
	repo    *repositories.AuditRepository
	shipper Shipper // nil when no sink is configured
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. shipper may be nil.
func NewRecorder(repo *repositories.AuditRepository, shipper Shipper, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, shipper: shipper, logger: logger}
}

// Record persists entry asynchronously. The caller's context is deliberately
// not used: the request may complete (and its context be canceled) before the
// insert runs, so the write gets its own detached timeout context.
func (r *Recorder) Record(entry *models.AuditLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	safego.GoTimeout(writeTimeout, func(ctx context.Context) {
		if err := r.repo.Create(ctx, entry); err != nil {
			telemetry.AuditDroppedTotal.Inc()
			r.logger.Error("audit entry dropped",
				"action", entry.Action,
				"status", entry.Status,
				"error", err)
		}
		if r.shipper != nil {
			if err := r.shipper.Ship(ctx, entry); err != nil {
				r.logger.Warn("audit shipping failed",
					"action", entry.Action,
					"error", err)
			}
		}
	})
}

// Close flushes and closes the shipper, if any. Called on shutdown.
func (r *Recorder) Close() error {
	if r.shipper == nil {
		return nil
	}
	return r.shipper.Close()
}
