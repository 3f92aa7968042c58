package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/orchestrator"
	"github.com/sandbox-gateway/sandbox-gateway/internal/telemetry"
)

var sandboxCols = []string{"id", "user_id", "name", "namespace", "resource_name", "image", "created_at", "updated_at"}

func newReconcilerFixture(t *testing.T) (*Reconciler, sqlmock.Sqlmock, *orchestrator.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := orchestrator.NewFake()
	repo := repositories.NewSandboxRepository(sqlx.NewDb(db, "postgres"))
	return NewReconciler(repo, fake, time.Hour, nil), mock, fake
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("reading gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func expectListAll(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT id, user_id, name, namespace, resource_name").
		WillReturnRows(rows)
}

func TestRunSweep_CleanStateReportsZero(t *testing.T) {
	r, mock, fake := newReconcilerFixture(t)
	now := time.Now()
	expectListAll(mock, sqlmock.NewRows(sandboxCols).
		AddRow("sb-1", "user-1", "alpha", "user-alice", "alpha", nil, now, now))
	_ = fake.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "alpha",
	})

	r.runSweep(context.Background())

	if v := gaugeValue(t, telemetry.ReconcilerOrphanedObjects); v != 0 {
		t.Errorf("orphaned objects gauge = %v, want 0", v)
	}
	if v := gaugeValue(t, telemetry.ReconcilerStaleRecords); v != 0 {
		t.Errorf("stale records gauge = %v, want 0", v)
	}
}

func TestRunSweep_CountsOrphanedAndStale(t *testing.T) {
	r, mock, fake := newReconcilerFixture(t)
	now := time.Now()
	expectListAll(mock, sqlmock.NewRows(sandboxCols).
		AddRow("sb-1", "user-1", "alpha", "user-alice", "alpha", nil, now, now).
		AddRow("sb-2", "user-1", "ghost", "user-alice", "ghost", nil, now, now))

	// alpha matches its row; rogue has no row; the row for ghost has no object.
	_ = fake.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "alpha",
	})
	_ = fake.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "rogue",
	})

	r.runSweep(context.Background())

	if v := gaugeValue(t, telemetry.ReconcilerOrphanedObjects); v != 1 {
		t.Errorf("orphaned objects gauge = %v, want 1", v)
	}
	if v := gaugeValue(t, telemetry.ReconcilerStaleRecords); v != 1 {
		t.Errorf("stale records gauge = %v, want 1", v)
	}
}

func TestRunSweep_FindsOrphanInNamespaceWithNoRows(t *testing.T) {
	r, mock, fake := newReconcilerFixture(t)
	expectListAll(mock, sqlmock.NewRows(sandboxCols))

	// A create that failed at the DB insert for a tenant's first sandbox
	// leaves an object in a namespace no row points at.
	_ = fake.EnsureTenantNamespace(context.Background(), "user-bob", orchestrator.NamespaceOptions{})
	_ = fake.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-bob", Name: "firstbox",
	})

	r.runSweep(context.Background())

	if v := gaugeValue(t, telemetry.ReconcilerOrphanedObjects); v != 1 {
		t.Errorf("orphaned objects gauge = %v, want 1 for the rowless-namespace orphan", v)
	}
	if v := gaugeValue(t, telemetry.ReconcilerStaleRecords); v != 0 {
		t.Errorf("stale records gauge = %v, want 0", v)
	}
	telemetry.ReconcilerOrphanedObjects.Set(0)
}

func TestRunSweep_NamespaceListFailureFallsBackToRows(t *testing.T) {
	r, mock, fake := newReconcilerFixture(t)
	now := time.Now()
	expectListAll(mock, sqlmock.NewRows(sandboxCols).
		AddRow("sb-1", "user-1", "alpha", "user-alice", "alpha", nil, now, now))
	_ = fake.CreateSandbox(context.Background(), &orchestrator.Sandbox{
		Namespace: "user-alice", Name: "alpha",
	})
	fake.ListNamespacesErr = errors.New("namespace list unavailable")

	r.runSweep(context.Background())

	// The row-derived namespace set still gets swept, and nothing is marked
	// stale because namespace enumeration failed.
	if v := gaugeValue(t, telemetry.ReconcilerOrphanedObjects); v != 0 {
		t.Errorf("orphaned objects gauge = %v, want 0", v)
	}
	if v := gaugeValue(t, telemetry.ReconcilerStaleRecords); v != 0 {
		t.Errorf("stale records gauge = %v, want 0", v)
	}
}

func TestRunSweep_UnlistableNamespaceRowsNotStale(t *testing.T) {
	r, mock, fake := newReconcilerFixture(t)
	now := time.Now()
	expectListAll(mock, sqlmock.NewRows(sandboxCols).
		AddRow("sb-1", "user-1", "alpha", "user-alice", "alpha", nil, now, now))
	fake.ListErr = errors.New("orchestrator unavailable")

	r.runSweep(context.Background())

	// A namespace we cannot list proves nothing; its rows must not count.
	if v := gaugeValue(t, telemetry.ReconcilerStaleRecords); v != 0 {
		t.Errorf("stale records gauge = %v, want 0 when listing fails", v)
	}
}

func TestRunSweep_ListAllFailureLeavesGauges(t *testing.T) {
	r, mock, _ := newReconcilerFixture(t)
	telemetry.ReconcilerOrphanedObjects.Set(7)
	mock.ExpectQuery("SELECT id, user_id, name, namespace, resource_name").
		WillReturnError(errors.New("db down"))

	r.runSweep(context.Background())

	// A failed sweep must not reset earlier findings to zero.
	if v := gaugeValue(t, telemetry.ReconcilerOrphanedObjects); v != 7 {
		t.Errorf("orphaned objects gauge = %v, want the pre-sweep 7", v)
	}
	telemetry.ReconcilerOrphanedObjects.Set(0)
}

func TestStart_StopExitsLoop(t *testing.T) {
	r, mock, _ := newReconcilerFixture(t)
	expectListAll(mock, sqlmock.NewRows(sandboxCols))

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the initial sweep run
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not exit after Stop")
	}
}

func TestStart_ContextCancelExitsLoop(t *testing.T) {
	r, mock, _ := newReconcilerFixture(t)
	expectListAll(mock, sqlmock.NewRows(sandboxCols))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not exit after context cancellation")
	}
}
