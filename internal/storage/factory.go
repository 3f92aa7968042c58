// factory.go implements the storage backend registry and factory, mapping
// backend type strings (local, s3, azure, gcs) to constructor functions and
// dispatching NewStorage calls.
package storage

import (
	"fmt"

	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
)

// FactoryFunc creates a storage backend from configuration.
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register adds a backend constructor under the given type string. Backend
// packages call this from init, so importing a backend is what enables it.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStorage builds the backend selected by cfg.Storage.Backend.
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Storage.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (must be 'local', 'azure', 's3', or 'gcs')", cfg.Storage.Backend)
	}
	return factory(cfg)
}
