// Package azure implements the Azure Blob Storage backend. Authentication is
// either a full connection string or an account name plus shared key.
package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/storage"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements the Storage interface for Azure Blob Storage
type AzureStorage struct {
	client        *azblob.Client
	containerName string
}

// New creates a new Azure Blob Storage backend
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	var client *azblob.Client
	var err error

	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
		}
	} else {
		if cfg.AccountName == "" || cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure storage requires connection_string or account_name + account_key")
		}
		credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
		}
	}

	return &AzureStorage{client: client, containerName: cfg.ContainerName}, nil
}

// EnsurePrefix uploads a zero-byte .keep blob under path.
func (s *AzureStorage) EnsurePrefix(ctx context.Context, path string) error {
	key := strings.TrimSuffix(path, "/") + "/.keep"
	_, err := s.client.UploadBuffer(ctx, s.containerName, key, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create prefix placeholder %s: %w", key, err)
	}
	return nil
}

// Exists reports whether any blob lives under path.
func (s *AzureStorage) Exists(ctx context.Context, path string) (bool, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	pager := s.client.NewListBlobsFlatPager(s.containerName, &container.ListBlobsFlatOptions{
		Prefix:     to.Ptr(prefix),
		MaxResults: to.Ptr(int32(1)),
	})
	if !pager.More() {
		return false, nil
	}
	page, err := pager.NextPage(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	return len(page.Segment.BlobItems) > 0, nil
}

// Ping verifies the container is reachable and the credentials are authorized.
func (s *AzureStorage) Ping(ctx context.Context) error {
	_, err := s.client.ServiceClient().NewContainerClient(s.containerName).GetProperties(ctx, nil)
	if err != nil {
		return fmt.Errorf("azure container %s unavailable: %w", s.containerName, err)
	}
	return nil
}
