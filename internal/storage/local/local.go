// Package local implements the local filesystem storage backend. Intended for
// development and single-node deployments only: multiple gateway instances
// would need a shared filesystem. Production clusters use a cloud backend.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/storage"
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local)
	})
}

// LocalStorage implements the Storage interface on a local directory tree.
type LocalStorage struct {
	basePath string
}

// New creates a new local filesystem storage backend
func New(cfg *config.LocalStorageConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: cfg.BasePath}, nil
}

// EnsurePrefix creates the directory for path and drops a .keep file so the
// prefix survives tooling that prunes empty directories.
func (s *LocalStorage) EnsurePrefix(_ context.Context, path string) error {
	dir := filepath.Join(s.basePath, filepath.FromSlash(path))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create prefix directory: %w", err)
	}
	keep := filepath.Join(dir, ".keep")
	if _, err := os.Stat(keep); err == nil {
		return nil
	}
	if err := os.WriteFile(keep, nil, 0640); err != nil {
		return fmt.Errorf("failed to create placeholder: %w", err)
	}
	return nil
}

// Exists reports whether the directory for path exists.
func (s *LocalStorage) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.basePath, filepath.FromSlash(path)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat path: %w", err)
}

// Ping verifies the base directory is present and writable.
func (s *LocalStorage) Ping(_ context.Context) error {
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("storage base path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage base path %s is not a directory", s.basePath)
	}
	probe, err := os.CreateTemp(s.basePath, ".ping-*")
	if err != nil {
		return fmt.Errorf("storage base path not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
