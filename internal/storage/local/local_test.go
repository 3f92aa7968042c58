package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_CreatesBaseDirectory(t *testing.T) {
	base := filepath.Join(t.TempDir(), "sandboxes")
	if _, err := New(&config.LocalStorageConfig{BasePath: base}); err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(base)
	if err != nil {
		t.Fatalf("stat base path: %v", err)
	}
	if !info.IsDir() {
		t.Error("base path is not a directory")
	}
}

func TestEnsurePrefix(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	if err := s.EnsurePrefix(ctx, "alice/devbox"); err != nil {
		t.Fatalf("EnsurePrefix: %v", err)
	}

	keep := filepath.Join(s.basePath, "alice", "devbox", ".keep")
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("expected placeholder at %s: %v", keep, err)
	}

	// Idempotent: a second call on the same prefix succeeds.
	if err := s.EnsurePrefix(ctx, "alice/devbox"); err != nil {
		t.Errorf("EnsurePrefix repeat: %v", err)
	}
}

func TestExists(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "bob/missing")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("Exists reported true for a prefix that was never created")
	}

	if err := s.EnsurePrefix(ctx, "bob/present"); err != nil {
		t.Fatalf("EnsurePrefix: %v", err)
	}
	ok, err = s.Exists(ctx, "bob/present")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("Exists reported false for a created prefix")
	}
}

func TestPing(t *testing.T) {
	s := newLocal(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping on a writable base path: %v", err)
	}
}

func TestPing_MissingBasePath(t *testing.T) {
	s := &LocalStorage{basePath: filepath.Join(t.TempDir(), "gone")}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail for a missing base path")
	}
}

func TestPing_BasePathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "notadir")
	if err := os.WriteFile(file, []byte("x"), 0640); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	s := &LocalStorage{basePath: file}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail when base path is a regular file")
	}
}
