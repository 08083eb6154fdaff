package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"lakefeed/internal/domain"
)

var _ Store = (*AzureStore)(nil)

// AzureStore uploads to Azure Blob Storage using shared-key credentials.
type AzureStore struct {
	logger    *slog.Logger
	client    *azblob.Client
	container string
	prefix    string
}

func newAzureStore(logger *slog.Logger, cfg Config, container, prefix string) (*AzureStore, error) {
	if cfg.AzureAccount == "" || cfg.AzureKey == "" {
		return nil, fmt.Errorf("Azure storage needs AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccount, cfg.AzureKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccount)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}

	return &AzureStore{
		logger:    logger.With("component", "storage", "backend", "azure"),
		client:    client,
		container: container,
		prefix:    prefix,
	}, nil
}

// Upload writes the staged file under <prefix>/<segment>/<name>.
func (s *AzureStore) Upload(ctx context.Context, file *domain.StagedFile) (*domain.RemoteFile, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Path, err)
	}
	defer f.Close()

	key := objectKey(s.prefix, file)
	if _, err := s.client.UploadFile(ctx, s.container, key, f, nil); err != nil {
		return nil, fmt.Errorf("put az://%s/%s: %w", s.container, key, err)
	}

	s.logger.Debug("uploaded", "key", key, "bytes", file.Bytes)
	return &domain.RemoteFile{
		StagedFile: *file,
		RemoteKey:  key,
		RemoteURI:  remoteURI("az", s.container, key),
	}, nil
}
