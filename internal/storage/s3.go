package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lakefeed/internal/domain"
)

var _ Store = (*S3Store)(nil)

// S3Store uploads to S3-compatible object storage. Custom endpoints (MinIO,
// Hetzner, Ceph) usually require path-style addressing.
type S3Store struct {
	logger *slog.Logger
	client *s3.Client
	bucket string
	prefix string
}

func newS3Store(logger *slog.Logger, cfg Config, bucket, prefix string) (*S3Store, error) {
	if cfg.S3KeyID == "" || cfg.S3Secret == "" {
		return nil, fmt.Errorf("S3 storage needs AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY")
	}

	opts := s3.Options{
		Region: cfg.S3Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.S3KeyID, cfg.S3Secret, "",
		),
		UsePathStyle: cfg.S3ForcePathStyle,
	}
	if cfg.S3Endpoint != "" {
		opts.BaseEndpoint = aws.String(fmt.Sprintf("https://%s", cfg.S3Endpoint))
	}

	return &S3Store{
		logger: logger.With("component", "storage", "backend", "s3"),
		client: s3.New(opts),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload puts the staged file under <prefix>/<segment>/<name>.
func (s *S3Store) Upload(ctx context.Context, file *domain.StagedFile) (*domain.RemoteFile, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Path, err)
	}
	defer f.Close()

	key := objectKey(s.prefix, file)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String("application/gzip"),
		ContentLength: aws.Int64(file.Bytes),
	})
	if err != nil {
		return nil, fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}

	s.logger.Debug("uploaded", "key", key, "bytes", file.Bytes)
	return &domain.RemoteFile{
		StagedFile: *file,
		RemoteKey:  key,
		RemoteURI:  remoteURI("s3", s.bucket, key),
	}, nil
}
