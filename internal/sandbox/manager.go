// Package sandbox implements the lifecycle manager sitting between the HTTP
// handlers and the three collaborators: the ownership store (Postgres), the
// orchestrator (Kubernetes), and the object store. The manager owns the order
// of operations — who is asked first, what happens when a step fails halfway
// — while the handlers own HTTP shapes and audit attribution.
package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/orchestrator"
	"github.com/sandbox-gateway/sandbox-gateway/internal/storage"
	"github.com/sandbox-gateway/sandbox-gateway/internal/telemetry"
	"github.com/sandbox-gateway/sandbox-gateway/internal/validation"
)

// Observed sandbox phases. The gateway never drives these transitions; it
// derives them from desired replicas plus the orchestrator's Ready condition.
const (
	PhasePending = "pending"
	PhaseReady   = "ready"
	PhasePaused  = "paused"
	PhaseUnknown = "unknown"
)

// Status is the live view of one sandbox, derived per request from the
// orchestrator. Never cached: staleness is bounded by one request.
type Status struct {
	Phase         string `json:"phase"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	ServiceFQDN   string `json:"service_fqdn,omitempty"`
	ReadyReplicas int32  `json:"ready_replicas"`
	// Error carries the live-fetch failure when Phase is "unknown".
	Error string `json:"error,omitempty"`
}

// Info is an ownership record enriched with live status.
type Info struct {
	models.Sandbox
	Status Status `json:"status"`
}

// Manager coordinates sandbox lifecycle operations.
type Manager struct {
	repo   *repositories.SandboxRepository
	orch   orchestrator.Client
	store  storage.Storage
	cfg    *config.Config
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(repo *repositories.SandboxRepository, orch orchestrator.Client, store storage.Storage, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, orch: orch, store: store, cfg: cfg, logger: logger}
}

// Create provisions a new sandbox for the owner. Steps, in order: name
// validation, duplicate check, tenant namespace (create-if-absent with quota
// and network policy), storage prefix, orchestrator object, ownership row.
//
// The ownership row is written only after the orchestrator accepts, so a
// row always refers to an object that existed at creation time. The inverse
// does not hold: a DB failure after a successful submit leaves an orphaned
// orchestrator object. That gap is deliberate — no inline rollback — and is
// surfaced by the reconciliation sweep.
func (m *Manager) Create(ctx context.Context, ownerID, username, name, image string) (*Info, error) {
	if err := validation.ValidateDNSLabel(name); err != nil {
		m.countOp("create", "invalid")
		return nil, apperr.Wrap(apperr.EInvalidArgument, err.Error(), err)
	}
	if err := validation.ValidateImageRef(image); err != nil {
		m.countOp("create", "invalid")
		return nil, apperr.Wrap(apperr.EInvalidArgument, err.Error(), err)
	}

	existing, err := m.repo.GetByOwnerAndName(ctx, ownerID, name)
	if err != nil {
		m.countOp("create", "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to check existing sandbox", err)
	}
	if existing != nil {
		m.countOp("create", "conflict")
		return nil, apperr.Newf(apperr.EAlreadyExists, "sandbox %q already exists", name)
	}

	namespace := "user-" + username

	if err := m.orch.EnsureTenantNamespace(ctx, namespace, orchestrator.NamespaceOptions{
		MaxSandboxes:     m.cfg.Orchestrator.QuotaMaxSandboxes,
		CPULimit:         m.cfg.Orchestrator.QuotaCPU,
		MemoryLimit:      m.cfg.Orchestrator.QuotaMemory,
		GatewayNamespace: m.cfg.Orchestrator.GatewayNamespace,
	}); err != nil {
		m.countOp("create", "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to provision tenant namespace", err)
	}

	storagePath := fmt.Sprintf("%s/%s/", username, name)
	if err := m.store.EnsurePrefix(ctx, storagePath); err != nil {
		m.countOp("create", "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to provision sandbox storage", err)
	}

	resolvedImage := image
	if resolvedImage == "" {
		resolvedImage = m.cfg.Orchestrator.DefaultImage
	}

	obj := &orchestrator.Sandbox{
		Namespace:   namespace,
		Name:        name,
		Image:       resolvedImage,
		Replicas:    1,
		Port:        int32(m.cfg.Orchestrator.RuntimePort),
		StoragePath: storagePath,
	}
	if err := m.orch.CreateSandbox(ctx, obj); err != nil {
		m.countOp("create", "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to create sandbox workload", err)
	}

	record := &models.Sandbox{
		ID:           uuid.New().String(),
		UserID:       ownerID,
		Name:         name,
		Namespace:    namespace,
		ResourceName: name,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if image != "" {
		record.Image = &image
	}
	if err := m.repo.Create(ctx, record); err != nil {
		if repositories.IsUniqueViolation(err) {
			// Lost a race: another request created the same (owner, name)
			// between our duplicate check and this insert. The orchestrator
			// object we just submitted is now orphaned; the sweep picks it up.
			m.countOp("create", "conflict")
			return nil, apperr.Wrap(apperr.EAlreadyExists, fmt.Sprintf("sandbox %q already exists", name), err)
		}
		m.logger.Error("ownership row insert failed after orchestrator accept, object orphaned",
			"namespace", namespace, "name", name, "error", err)
		m.countOp("create", "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to persist sandbox record", err)
	}

	m.countOp("create", "success")
	return &Info{
		Sandbox: *record,
		Status:  Status{Phase: PhasePending},
	}, nil
}

// List returns all sandboxes owned by ownerID, each enriched with best-effort
// live status. A live fetch failure degrades that entry's status to "unknown"
// with an error marker; the entry is never omitted, because the ownership row
// is the authoritative list membership.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*Info, error) {
	records, err := m.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		m.countOp("list", "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to list sandboxes", err)
	}

	infos := make([]*Info, 0, len(records))
	for _, record := range records {
		infos = append(infos, &Info{
			Sandbox: *record,
			Status:  m.liveStatus(ctx, record),
		})
	}
	m.countOp("list", "success")
	return infos, nil
}

// Get returns one owned sandbox with live status. The record comes from the
// ownership gate, which already proved existence and ownership.
func (m *Manager) Get(ctx context.Context, record *models.Sandbox) *Info {
	info := &Info{
		Sandbox: *record,
		Status:  m.liveStatus(ctx, record),
	}
	m.countOp("get", "success")
	return info
}

// Delete removes the sandbox: orchestrator object first, then the ownership
// row. An orchestrator not-found is success (the object is already gone,
// perhaps from a previous half-completed delete); repeating a delete is never
// a 500. A second delete of the same name never reaches here — the ownership
// gate reports 404 once the row is gone.
func (m *Manager) Delete(ctx context.Context, record *models.Sandbox) error {
	err := m.orch.DeleteSandbox(ctx, record.Namespace, record.ResourceName)
	if err != nil && !errors.Is(err, orchestrator.ErrNotFound) {
		m.countOp("delete", "error")
		return apperr.Wrap(apperr.EInternal, "failed to delete sandbox workload", err)
	}

	// A concurrent delete may have removed the row between the ownership
	// check and here; the row being gone is the goal, so that is success too.
	if err := m.repo.Delete(ctx, record.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		m.countOp("delete", "error")
		return apperr.Wrap(apperr.EInternal, "failed to delete sandbox record", err)
	}

	m.countOp("delete", "success")
	return nil
}

// Pause scales the sandbox to zero replicas via read-modify-write.
func (m *Manager) Pause(ctx context.Context, record *models.Sandbox) (*Info, error) {
	return m.setReplicas(ctx, record, "pause", 0)
}

// Resume scales the sandbox back to one replica via read-modify-write.
func (m *Manager) Resume(ctx context.Context, record *models.Sandbox) (*Info, error) {
	return m.setReplicas(ctx, record, "resume", 1)
}

// setReplicas reads the full orchestrator object, sets the desired replica
// count, and resubmits the whole spec. A concurrent external edit to any spec
// field loses to this write; the gateway is the sole intended writer.
func (m *Manager) setReplicas(ctx context.Context, record *models.Sandbox, op string, replicas int32) (*Info, error) {
	obj, err := m.orch.GetSandbox(ctx, record.Namespace, record.ResourceName)
	if errors.Is(err, orchestrator.ErrNotFound) {
		m.countOp(op, "not_found")
		return nil, apperr.Newf(apperr.ENotFound, "sandbox %q has no workload", record.Name)
	}
	if err != nil {
		m.countOp(op, "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to read sandbox workload", err)
	}

	obj.Replicas = replicas
	if err := m.orch.UpdateSandbox(ctx, obj); err != nil {
		m.countOp(op, "error")
		return nil, apperr.Wrap(apperr.EInternal, "failed to update sandbox workload", err)
	}

	m.countOp(op, "success")
	return &Info{
		Sandbox: *record,
		Status:  deriveStatus(obj),
	}, nil
}

// liveStatus fetches the orchestrator object for record and derives its
// phase. Failures degrade to "unknown" — they never propagate.
func (m *Manager) liveStatus(ctx context.Context, record *models.Sandbox) Status {
	obj, err := m.orch.GetSandbox(ctx, record.Namespace, record.ResourceName)
	if errors.Is(err, orchestrator.ErrNotFound) {
		return Status{Phase: PhaseUnknown, Error: "workload object not found"}
	}
	if err != nil {
		m.logger.Warn("live status fetch failed",
			"namespace", record.Namespace, "name", record.ResourceName, "error", err)
		return Status{Phase: PhaseUnknown, Error: err.Error()}
	}
	return deriveStatus(obj)
}

// deriveStatus maps desired replicas and the Ready condition to a phase.
func deriveStatus(obj *orchestrator.Sandbox) Status {
	st := Status{
		ServiceFQDN:   obj.Status.ServiceFQDN,
		ReadyReplicas: obj.Status.ReadyReplicas,
	}
	if cond := obj.ReadyCondition(); cond != nil {
		st.Reason = cond.Reason
		st.Message = cond.Message
	}
	switch {
	case obj.Replicas == 0:
		st.Phase = PhasePaused
	case obj.Ready():
		st.Phase = PhaseReady
	default:
		st.Phase = PhasePending
	}
	return st
}

func (m *Manager) countOp(operation, result string) {
	telemetry.SandboxOperationsTotal.WithLabelValues(operation, result).Inc()
}
