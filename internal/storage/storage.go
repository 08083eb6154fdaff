// Package storage ships staged batch files to object storage. One backend
// per cloud (S3-compatible, GCS, Azure Blob), all behind Store, selected by
// the storage URL scheme.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"golang.org/x/time/rate"

	"lakefeed/internal/domain"
)

// Store uploads staged files under deterministic remote keys. Implementations
// must be safe for concurrent use: the dispatcher serializes uploads per
// table but runs tables in parallel.
type Store interface {
	Upload(ctx context.Context, file *domain.StagedFile) (*domain.RemoteFile, error)
}

// Config selects and configures a backend. URL decides the scheme; credential
// fields for the other clouds may stay empty.
type Config struct {
	URL string // s3://bucket/prefix, gs://bucket/prefix or az://container/prefix

	S3KeyID          string
	S3Secret         string
	S3Region         string
	S3Endpoint       string // host[:port]; https is assumed
	S3ForcePathStyle bool

	GCSKeyFile string

	AzureAccount string
	AzureKey     string

	// Uploads per second across all tables. Zero disables throttling.
	RateLimit float64
}

// New creates the Store for cfg.URL's scheme.
func New(logger *slog.Logger, cfg Config) (Store, error) {
	scheme, bucket, prefix, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	var store Store
	switch scheme {
	case "s3":
		store, err = newS3Store(logger, cfg, bucket, prefix)
	case "gs":
		store, err = newGCSStore(logger, cfg, bucket, prefix)
	case "az":
		store, err = newAzureStore(logger, cfg, bucket, prefix)
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q in %q", scheme, cfg.URL)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit > 0 {
		store = &throttledStore{next: store, limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)}
	}
	return store, nil
}

// ParseURL splits a storage URL into scheme, bucket and key prefix. The
// prefix may be empty; surrounding slashes are dropped.
func ParseURL(raw string) (scheme, bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse storage URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", "", fmt.Errorf("storage URL %q needs scheme://bucket[/prefix]", raw)
	}
	return u.Scheme, u.Host, strings.Trim(u.Path, "/"), nil
}

// objectKey derives the remote key for a staged file. The segment directory
// level keeps keys unique across segments that stage identically named files.
func objectKey(prefix string, file *domain.StagedFile) string {
	return path.Join(prefix, domain.SegmentHex(file.Segment), file.Name)
}

func remoteURI(scheme, bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, bucket, key)
}

// throttledStore rate-limits another Store's uploads.
type throttledStore struct {
	next    Store
	limiter *rate.Limiter
}

func (t *throttledStore) Upload(ctx context.Context, file *domain.StagedFile) (*domain.RemoteFile, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Upload(ctx, file)
}
