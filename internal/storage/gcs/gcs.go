// Package gcs implements the Google Cloud Storage backend. Supports
// Application Default Credentials, service account JSON keys, and Workload
// Identity Federation for keyless authentication in GKE environments.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/sandbox-gateway/sandbox-gateway/internal/config"
	appstorage "github.com/sandbox-gateway/sandbox-gateway/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements the Storage interface for Google Cloud Storage
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// New creates a new Google Cloud Storage backend.
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials (env var, GKE
//     metadata service / Workload Identity, gcloud auth)
//   - "service_account": a service account key file or inline JSON
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	ctx := context.Background()
	var opts []option.ClientOption

	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		} else {
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "workload_identity", "default":
		// Application Default Credentials, no extra options.
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// EnsurePrefix writes a zero-byte .keep object under path.
func (s *GCSStorage) EnsurePrefix(ctx context.Context, path string) error {
	key := strings.TrimSuffix(path, "/") + "/.keep"
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to create prefix placeholder %s: %w", key, err)
	}
	return nil
}

// Exists reports whether any object lives under path.
func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	_, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	return true, nil
}

// Ping verifies the bucket is reachable and the credentials are authorized.
func (s *GCSStorage) Ping(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s unavailable: %w", s.bucket, err)
	}
	return nil
}
