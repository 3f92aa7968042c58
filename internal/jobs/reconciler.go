// reconciler.go implements the Reconciler background job, which periodically
// compares the ownership rows in Postgres against the sandbox objects in the
// orchestrator and reports disagreements. Two kinds of drift exist:
//
//   - orphaned object: an orchestrator sandbox with no ownership row, left
//     behind when a create failed between the orchestrator accept and the DB
//     insert, or created out of band;
//   - stale record: an ownership row whose orchestrator object is gone,
//     deleted out of band or by a half-completed delete.
//
// The sweep is detection-only. It logs each discrepancy and exports the
// counts as gauges; remediation is an operator decision, because deleting
// either side automatically would turn a transient orchestrator outage into
// data loss.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/orchestrator"
	"github.com/sandbox-gateway/sandbox-gateway/internal/telemetry"
)

// Reconciler periodically sweeps ownership rows against orchestrator state.
type Reconciler struct {
	sandboxRepo *repositories.SandboxRepository
	orch        orchestrator.Client
	interval    time.Duration
	logger      *slog.Logger
	stopChan    chan struct{}
}

// NewReconciler creates a Reconciler sweeping at the given interval
// (default 5m when non-positive).
func NewReconciler(sandboxRepo *repositories.SandboxRepository, orch orchestrator.Client, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		sandboxRepo: sandboxRepo,
		orch:        orch,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the background sweep loop. It runs an initial sweep
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop() is called.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)

	r.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			r.runSweep(ctx)
		case <-r.stopChan:
			r.logger.Info("reconciler stopped")
			return
		case <-ctx.Done():
			r.logger.Info("reconciler context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (r *Reconciler) Stop() {
	close(r.stopChan)
}

// runSweep executes one full comparison pass.
func (r *Reconciler) runSweep(ctx context.Context) {
	records, err := r.sandboxRepo.ListAll(ctx)
	if err != nil {
		r.logger.Error("reconciler: listing ownership rows failed", "error", err)
		return
	}

	// Index rows by (namespace, resource name) and collect the namespaces
	// worth asking the orchestrator about. Row-derived namespaces alone would
	// miss an orphan whose namespace has no surviving rows (a create that
	// failed at the DB insert for a tenant's first sandbox), so union in the
	// namespaces the orchestrator itself reports as gateway-managed.
	type objKey struct{ namespace, name string }
	recorded := make(map[objKey]bool, len(records))
	namespaces := make(map[string]bool)
	for _, rec := range records {
		recorded[objKey{rec.Namespace, rec.ResourceName}] = true
		namespaces[rec.Namespace] = true
	}
	managed, err := r.orch.ListTenantNamespaces(ctx)
	if err != nil {
		// Orphan coverage degrades to the row-derived set this sweep; rows
		// are never marked stale because of this failure.
		r.logger.Warn("reconciler: listing tenant namespaces failed", "error", err)
	}
	for _, ns := range managed {
		namespaces[ns] = true
	}

	var orphaned, stale int
	live := make(map[objKey]bool)

	for ns := range namespaces {
		objects, err := r.orch.ListSandboxes(ctx, ns)
		if err != nil {
			// A namespace we cannot list proves nothing about its rows;
			// skip it rather than reporting its records as stale.
			r.logger.Warn("reconciler: listing namespace failed", "namespace", ns, "error", err)
			for _, rec := range records {
				if rec.Namespace == ns {
					live[objKey{rec.Namespace, rec.ResourceName}] = true
				}
			}
			continue
		}
		for _, obj := range objects {
			k := objKey{obj.Namespace, obj.Name}
			live[k] = true
			if !recorded[k] {
				orphaned++
				r.logger.Warn("reconciler: orphaned workload object",
					"namespace", obj.Namespace, "name", obj.Name)
			}
		}
	}

	for _, rec := range records {
		if !live[objKey{rec.Namespace, rec.ResourceName}] {
			stale++
			r.logger.Warn("reconciler: stale ownership row",
				"namespace", rec.Namespace, "name", rec.ResourceName, "user_id", rec.UserID)
		}
	}

	telemetry.ReconcilerOrphanedObjects.Set(float64(orphaned))
	telemetry.ReconcilerStaleRecords.Set(float64(stale))

	r.logger.Info("reconciler sweep complete",
		"records", len(records), "orphaned", orphaned, "stale", stale)
}
