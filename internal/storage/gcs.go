package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"lakefeed/internal/domain"
)

var _ Store = (*GCSStore)(nil)

// GCSStore uploads to Google Cloud Storage. Without a key file it falls back
// to application default credentials.
type GCSStore struct {
	logger *slog.Logger
	client *gcs.Client
	bucket string
	prefix string
}

func newGCSStore(logger *slog.Logger, cfg Config, bucket, prefix string) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.GCSKeyFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.GCSKeyFile))
	}

	client, err := gcs.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	return &GCSStore{
		logger: logger.With("component", "storage", "backend", "gcs"),
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload writes the staged file under <prefix>/<segment>/<name>.
func (s *GCSStore) Upload(ctx context.Context, file *domain.StagedFile) (*domain.RemoteFile, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Path, err)
	}
	defer f.Close()

	key := objectKey(s.prefix, file)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/gzip"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return nil, fmt.Errorf("write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish gs://%s/%s: %w", s.bucket, key, err)
	}

	s.logger.Debug("uploaded", "key", key, "bytes", file.Bytes)
	return &domain.RemoteFile{
		StagedFile: *file,
		RemoteKey:  key,
		RemoteURI:  remoteURI("gs", s.bucket, key),
	}, nil
}
