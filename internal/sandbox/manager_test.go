package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/orchestrator"
)

var errBoom = errors.New("boom")

var sandboxCols = []string{"id", "user_id", "name", "namespace", "resource_name", "image", "created_at", "updated_at"}

// stubStore implements storage.Storage with injectable failures and a record
// of provisioned prefixes.
type stubStore struct {
	prefixes  []string
	ensureErr error
}

func (s *stubStore) EnsurePrefix(_ context.Context, path string) error {
	if s.ensureErr != nil {
		return s.ensureErr
	}
	s.prefixes = append(s.prefixes, path)
	return nil
}

func (s *stubStore) Exists(context.Context, string) (bool, error) { return false, nil }
func (s *stubStore) Ping(context.Context) error                   { return nil }

type fixture struct {
	mgr   *Manager
	mock  sqlmock.Sqlmock
	orch  *orchestrator.Fake
	store *stubStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Orchestrator.GatewayNamespace = "sandbox-gateway"
	cfg.Orchestrator.DefaultImage = "registry.example.com/runtime:latest"
	cfg.Orchestrator.RuntimePort = 8200
	cfg.Orchestrator.QuotaMaxSandboxes = 5
	cfg.Orchestrator.QuotaCPU = "4"
	cfg.Orchestrator.QuotaMemory = "8Gi"

	f := &fixture{
		mock:  mock,
		orch:  orchestrator.NewFake(),
		store: &stubStore{},
	}
	repo := repositories.NewSandboxRepository(sqlx.NewDb(db, "postgres"))
	f.mgr = NewManager(repo, f.orch, f.store, cfg, nil)
	return f
}

func (f *fixture) expectNoExisting(ownerID, name string) {
	f.mock.ExpectQuery("SELECT id, user_id, name, namespace, resource_name").
		WithArgs(ownerID, name).
		WillReturnError(sql.ErrNoRows)
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := apperr.ErrorCode(err); got != code {
		t.Errorf("error code = %q, want %q (err: %v)", got, code, err)
	}
}

func sandboxRecord(name string) *models.Sandbox {
	return &models.Sandbox{
		ID:           "sb-1",
		UserID:       "user-1",
		Name:         name,
		Namespace:    "user-alice",
		ResourceName: name,
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_Success(t *testing.T) {
	f := newFixture(t)
	f.expectNoExisting("user-1", "devbox")
	f.mock.ExpectExec("INSERT INTO sandboxes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	info, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if info.Name != "devbox" || info.Namespace != "user-alice" {
		t.Errorf("record = %q in %q, want devbox in user-alice", info.Name, info.Namespace)
	}
	if info.Status.Phase != PhasePending {
		t.Errorf("phase = %q, want %q for a freshly created sandbox", info.Status.Phase, PhasePending)
	}
	if !f.orch.HasNamespace("user-alice") {
		t.Error("tenant namespace was not provisioned")
	}
	if len(f.store.prefixes) != 1 || f.store.prefixes[0] != "alice/devbox/" {
		t.Errorf("storage prefixes = %v, want [alice/devbox/]", f.store.prefixes)
	}

	obj, err := f.orch.GetSandbox(context.Background(), "user-alice", "devbox")
	if err != nil {
		t.Fatalf("workload object missing: %v", err)
	}
	if obj.Image != "registry.example.com/runtime:latest" {
		t.Errorf("image = %q, want the configured default", obj.Image)
	}
	if obj.Replicas != 1 || obj.Port != 8200 {
		t.Errorf("replicas/port = %d/%d, want 1/8200", obj.Replicas, obj.Port)
	}
}

func TestCreate_ExplicitImage(t *testing.T) {
	f := newFixture(t)
	f.expectNoExisting("user-1", "devbox")
	f.mock.ExpectExec("INSERT INTO sandboxes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	info, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "python:3.12-slim")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Image == nil || *info.Image != "python:3.12-slim" {
		t.Error("explicit image was not recorded on the ownership row")
	}
	obj, _ := f.orch.GetSandbox(context.Background(), "user-alice", "devbox")
	if obj.Image != "python:3.12-slim" {
		t.Errorf("workload image = %q, want python:3.12-slim", obj.Image)
	}
}

func TestCreate_InvalidName(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "Not_Valid", "")
	wantCode(t, err, apperr.EInvalidArgument)
	if f.orch.Count() != 0 {
		t.Error("invalid name must be rejected before touching the orchestrator")
	}
}

func TestCreate_InvalidImage(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "img; rm -rf /")
	wantCode(t, err, apperr.EInvalidArgument)
}

func TestCreate_DuplicateName(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectQuery("SELECT id, user_id, name, namespace, resource_name").
		WithArgs("user-1", "devbox").
		WillReturnRows(sqlmock.NewRows(sandboxCols).
			AddRow("sb-0", "user-1", "devbox", "user-alice", "devbox", nil, now, now))

	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	wantCode(t, err, apperr.EAlreadyExists)
	if f.orch.Count() != 0 {
		t.Error("duplicate create must not submit a workload object")
	}
}

func TestCreate_DuplicateCheckDBError(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery("SELECT id, user_id, name, namespace, resource_name").
		WithArgs("user-1", "devbox").
		WillReturnError(errBoom)

	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	wantCode(t, err, apperr.EInternal)
}

func TestCreate_NamespaceProvisionError(t *testing.T) {
	f := newFixture(t)
	f.expectNoExisting("user-1", "devbox")
	f.orch.EnsureNamespaceErr = errBoom

	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	wantCode(t, err, apperr.EInternal)
}

func TestCreate_StorageProvisionError(t *testing.T) {
	f := newFixture(t)
	f.expectNoExisting("user-1", "devbox")
	f.store.ensureErr = errBoom

	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	wantCode(t, err, apperr.EInternal)
	if f.orch.Count() != 0 {
		t.Error("workload object submitted despite storage failure")
	}
}

func TestCreate_WorkloadSubmitError(t *testing.T) {
	f := newFixture(t)
	f.expectNoExisting("user-1", "devbox")
	f.orch.CreateErr = errBoom

	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	wantCode(t, err, apperr.EInternal)
}

func TestCreate_InsertRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	f.expectNoExisting("user-1", "devbox")
	// A concurrent create won the insert between the duplicate check and ours.
	f.mock.ExpectExec("INSERT INTO sandboxes").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	wantCode(t, err, apperr.EAlreadyExists)
}

func TestCreate_InsertDBError(t *testing.T) {
	f := newFixture(t)
	f.expectNoExisting("user-1", "devbox")
	f.mock.ExpectExec("INSERT INTO sandboxes").
		WillReturnError(errBoom)

	_, err := f.mgr.Create(context.Background(), "user-1", "alice", "devbox", "")
	wantCode(t, err, apperr.EInternal)
}

// ---------------------------------------------------------------------------
// Get / List
// ---------------------------------------------------------------------------

func TestGet_DerivesLiveStatus(t *testing.T) {
	f := newFixture(t)
	record := sandboxRecord("devbox")
	_ = f.orch.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "devbox", Replicas: 1,
	})
	f.orch.SetStatus("user-alice", "devbox", orchestrator.Status{
		ServiceFQDN:   "devbox.user-alice.svc.cluster.local",
		ReadyReplicas: 1,
		Conditions:    []orchestrator.Condition{{Type: orchestrator.ConditionReady, Status: "True"}},
	})

	info := f.mgr.Get(context.Background(), record)
	if info.Status.Phase != PhaseReady {
		t.Errorf("phase = %q, want %q", info.Status.Phase, PhaseReady)
	}
	if info.Status.ServiceFQDN != "devbox.user-alice.svc.cluster.local" {
		t.Errorf("service FQDN = %q", info.Status.ServiceFQDN)
	}
}

func TestGet_MissingWorkloadIsUnknown(t *testing.T) {
	f := newFixture(t)
	info := f.mgr.Get(context.Background(), sandboxRecord("devbox"))
	if info.Status.Phase != PhaseUnknown {
		t.Errorf("phase = %q, want %q", info.Status.Phase, PhaseUnknown)
	}
	if info.Status.Error == "" {
		t.Error("unknown phase must carry the fetch error")
	}
}

func TestList_DegradesPerEntry(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectQuery("SELECT id, user_id, name, namespace, resource_name").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(sandboxCols).
			AddRow("sb-1", "user-1", "alpha", "user-alice", "alpha", nil, now, now).
			AddRow("sb-2", "user-1", "beta", "user-alice", "beta", nil, now, now))

	// Only alpha has a live workload object.
	_ = f.orch.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "alpha", Replicas: 1,
	})

	infos, err := f.mgr.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d entries, want 2 — a dead workload must not hide its row", len(infos))
	}
	if infos[0].Status.Phase != PhasePending {
		t.Errorf("alpha phase = %q, want %q", infos[0].Status.Phase, PhasePending)
	}
	if infos[1].Status.Phase != PhaseUnknown {
		t.Errorf("beta phase = %q, want %q", infos[1].Status.Phase, PhaseUnknown)
	}
}

func TestList_DBError(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery("SELECT id, user_id, name, namespace, resource_name").
		WithArgs("user-1").
		WillReturnError(errBoom)

	_, err := f.mgr.List(context.Background(), "user-1")
	wantCode(t, err, apperr.EInternal)
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDelete_Success(t *testing.T) {
	f := newFixture(t)
	record := sandboxRecord("devbox")
	_ = f.orch.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "devbox",
	})
	f.mock.ExpectExec("DELETE FROM sandboxes").
		WithArgs("sb-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.mgr.Delete(context.Background(), record); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.orch.Count() != 0 {
		t.Error("workload object survived delete")
	}
}

func TestDelete_MissingWorkloadStillRemovesRow(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectExec("DELETE FROM sandboxes").
		WithArgs("sb-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := f.mgr.Delete(context.Background(), sandboxRecord("devbox")); err != nil {
		t.Errorf("delete of an already-gone workload must succeed: %v", err)
	}
}

func TestDelete_RowAlreadyGoneIsSuccess(t *testing.T) {
	// The loser of two concurrent deletes finds both the workload and the row
	// already removed; that is the desired end state, not an error.
	f := newFixture(t)
	f.mock.ExpectExec("DELETE FROM sandboxes").
		WithArgs("sb-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := f.mgr.Delete(context.Background(), sandboxRecord("devbox")); err != nil {
		t.Errorf("delete of an already-deleted sandbox must succeed, got: %v", err)
	}
}

func TestDelete_WorkloadError(t *testing.T) {
	f := newFixture(t)
	f.orch.DeleteErr = errBoom

	err := f.mgr.Delete(context.Background(), sandboxRecord("devbox"))
	wantCode(t, err, apperr.EInternal)
}

func TestDelete_RowError(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectExec("DELETE FROM sandboxes").
		WithArgs("sb-1").
		WillReturnError(errBoom)

	err := f.mgr.Delete(context.Background(), sandboxRecord("devbox"))
	wantCode(t, err, apperr.EInternal)
}

// ---------------------------------------------------------------------------
// Pause / Resume
// ---------------------------------------------------------------------------

func TestPause_ScalesToZero(t *testing.T) {
	f := newFixture(t)
	record := sandboxRecord("devbox")
	_ = f.orch.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "devbox", Replicas: 1,
	})

	info, err := f.mgr.Pause(context.Background(), record)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if info.Status.Phase != PhasePaused {
		t.Errorf("phase = %q, want %q", info.Status.Phase, PhasePaused)
	}
	obj, _ := f.orch.GetSandbox(context.Background(), "user-alice", "devbox")
	if obj.Replicas != 0 {
		t.Errorf("replicas = %d, want 0", obj.Replicas)
	}
}

func TestResume_ScalesToOne(t *testing.T) {
	f := newFixture(t)
	record := sandboxRecord("devbox")
	_ = f.orch.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "devbox", Replicas: 0,
	})

	info, err := f.mgr.Resume(context.Background(), record)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// Freshly resumed: desired 1 replica but no Ready condition yet.
	if info.Status.Phase != PhasePending {
		t.Errorf("phase = %q, want %q", info.Status.Phase, PhasePending)
	}
	obj, _ := f.orch.GetSandbox(context.Background(), "user-alice", "devbox")
	if obj.Replicas != 1 {
		t.Errorf("replicas = %d, want 1", obj.Replicas)
	}
}

func TestPause_MissingWorkload(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Pause(context.Background(), sandboxRecord("devbox"))
	wantCode(t, err, apperr.ENotFound)
}

func TestPause_UpdateError(t *testing.T) {
	f := newFixture(t)
	_ = f.orch.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "devbox", Replicas: 1,
	})
	f.orch.UpdateErr = errBoom

	_, err := f.mgr.Pause(context.Background(), sandboxRecord("devbox"))
	wantCode(t, err, apperr.EInternal)
}

// ---------------------------------------------------------------------------
// deriveStatus
// ---------------------------------------------------------------------------

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		obj  *orchestrator.Sandbox
		want string
	}{
		{
			name: "zero replicas is paused even when ready condition lingers",
			obj: &orchestrator.Sandbox{
				Replicas: 0,
				Status: orchestrator.Status{Conditions: []orchestrator.Condition{
					{Type: orchestrator.ConditionReady, Status: "True"},
				}},
			},
			want: PhasePaused,
		},
		{
			name: "ready condition true",
			obj: &orchestrator.Sandbox{
				Replicas: 1,
				Status: orchestrator.Status{Conditions: []orchestrator.Condition{
					{Type: orchestrator.ConditionReady, Status: "True"},
				}},
			},
			want: PhaseReady,
		},
		{
			name: "ready condition false",
			obj: &orchestrator.Sandbox{
				Replicas: 1,
				Status: orchestrator.Status{Conditions: []orchestrator.Condition{
					{Type: orchestrator.ConditionReady, Status: "False", Reason: "ImagePullBackOff"},
				}},
			},
			want: PhasePending,
		},
		{
			name: "no conditions yet",
			obj:  &orchestrator.Sandbox{Replicas: 1},
			want: PhasePending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := deriveStatus(tt.obj)
			if st.Phase != tt.want {
				t.Errorf("phase = %q, want %q", st.Phase, tt.want)
			}
		})
	}
}
